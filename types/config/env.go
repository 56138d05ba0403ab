package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/RezaEskandarii/gofleet/internal/registry"
)

const envPrefix = "GOFLEET_"

// FromEnv loads the given .env files, if they exist, and turns every
// GOFLEET_* variable into an option. Variables already set in the
// environment take precedence over the files.
func FromEnv(files ...string) ([]ContainerOption, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	var opts []ContainerOption
	add := func(opt ContainerOption) { opts = append(opts, opt) }

	if v := getenv("STORAGE_DRIVER"); v != "" {
		driver, err := ParseStorageDriver(v)
		if err != nil {
			return nil, err
		}
		add(WithStorageDriver(driver))
	}
	if v := getenv("POSTGRES_URL"); v != "" {
		add(WithPostgresConfig(PostgresConfig{ConnectionUrl: v}))
	}

	durations := map[string]func(time.Duration) ContainerOption{
		"SCHEDULER_POLL_PERIOD": WithSchedulerPollPeriod,
		"EXECUTOR_POLL_PERIOD":  WithExecutorPollPeriod,
		"HEARTBEAT_PERIOD":      WithHeartbeatPeriod,
		"HEARTBEAT_TIMEOUT":     WithHeartbeatTimeout,
	}
	for _, key := range []string{"SCHEDULER_POLL_PERIOD", "EXECUTOR_POLL_PERIOD", "HEARTBEAT_PERIOD", "HEARTBEAT_TIMEOUT"} {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, errors.New(envPrefix + key + ": " + err.Error())
			}
			add(durations[key](d))
		}
	}

	ints := map[string]func(int) ContainerOption{
		"CONCURRENCY_LIMIT":     WithConcurrencyLimit,
		"SCHEDULER_BATCH_LIMIT": WithSchedulerBatchLimit,
	}
	for _, key := range []string{"CONCURRENCY_LIMIT", "SCHEDULER_BATCH_LIMIT"} {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.New(envPrefix + key + ": " + err.Error())
			}
			add(ints[key](n))
		}
	}

	if v := getenv("QUEUES"); v != "" {
		var queues []registry.Ref
		for _, part := range strings.Split(v, ",") {
			ref, err := registry.ParseRef(part)
			if err != nil {
				return nil, err
			}
			queues = append(queues, ref)
		}
		add(WithQueues(queues...))
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		add(WithLogging(level, getenv("LOG_CONSOLE") == "true"))
	}
	if v := getenv("OPS_ADDRESS"); v != "" {
		add(WithOpsAddress(v))
	}
	if v := getenv("OPS_SECRET"); v != "" {
		add(WithOpsSecret(v))
	}

	return opts, nil
}

// InstanceFromEnv returns GOFLEET_INSTANCE, or an empty string.
func InstanceFromEnv() string {
	return getenv("INSTANCE")
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}
