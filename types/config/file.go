package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RezaEskandarii/gofleet/internal/registry"
)

// Duration reads YAML values such as "500ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// FileConfig is the YAML form of GofleetConfig. Absent keys keep their defaults.
type FileConfig struct {
	Instance string `yaml:"instance"`
	Storage  struct {
		Driver      string `yaml:"driver"`
		PostgresURL string `yaml:"postgres_url"`
	} `yaml:"storage"`
	Scheduler struct {
		PollPeriod Duration `yaml:"poll_period"`
		BatchLimit int      `yaml:"batch_limit"`
	} `yaml:"scheduler"`
	Executor struct {
		PollPeriod       Duration       `yaml:"poll_period"`
		ConcurrencyLimit int            `yaml:"concurrency_limit"`
		Queues           []registry.Ref `yaml:"queues"`
	} `yaml:"executor"`
	Heartbeat struct {
		Period  Duration `yaml:"period"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"heartbeat"`
	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`
	OpsAddress string `yaml:"ops_address"`
	OpsSecret  string `yaml:"ops_secret"`
}

func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}

// Options converts the keys present in the file to options.
func (f *FileConfig) Options() ([]ContainerOption, error) {
	var opts []ContainerOption
	if f.Storage.Driver != "" {
		driver, err := ParseStorageDriver(f.Storage.Driver)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStorageDriver(driver))
	}
	if f.Storage.PostgresURL != "" {
		opts = append(opts, WithPostgresConfig(PostgresConfig{ConnectionUrl: f.Storage.PostgresURL}))
	}
	if f.Scheduler.PollPeriod != 0 {
		opts = append(opts, WithSchedulerPollPeriod(time.Duration(f.Scheduler.PollPeriod)))
	}
	if f.Scheduler.BatchLimit != 0 {
		opts = append(opts, WithSchedulerBatchLimit(f.Scheduler.BatchLimit))
	}
	if f.Executor.PollPeriod != 0 {
		opts = append(opts, WithExecutorPollPeriod(time.Duration(f.Executor.PollPeriod)))
	}
	if f.Executor.ConcurrencyLimit != 0 {
		opts = append(opts, WithConcurrencyLimit(f.Executor.ConcurrencyLimit))
	}
	if len(f.Executor.Queues) > 0 {
		opts = append(opts, WithQueues(f.Executor.Queues...))
	}
	if f.Heartbeat.Period != 0 {
		opts = append(opts, WithHeartbeatPeriod(time.Duration(f.Heartbeat.Period)))
	}
	if f.Heartbeat.Timeout != 0 {
		opts = append(opts, WithHeartbeatTimeout(time.Duration(f.Heartbeat.Timeout)))
	}
	if f.Log.Level != "" || f.Log.Console {
		opts = append(opts, WithLogging(f.Log.Level, f.Log.Console))
	}
	if f.OpsAddress != "" {
		opts = append(opts, WithOpsAddress(f.OpsAddress))
	}
	if f.OpsSecret != "" {
		opts = append(opts, WithOpsSecret(f.OpsSecret))
	}
	return opts, nil
}
