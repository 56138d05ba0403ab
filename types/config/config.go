package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/RezaEskandarii/gofleet/custom_errors"
	"github.com/RezaEskandarii/gofleet/internal/registry"
)

const (
	DefaultStorageDriver       = Postgres
	DefaultConcurrencyLimit    = 4
	DefaultSchedulerPollPeriod = 5 * time.Second
	DefaultSchedulerBatchLimit = 10000
	DefaultExecutorPollPeriod  = 500 * time.Millisecond
	DefaultHeartbeatPeriod     = 3 * time.Second
	// HeartbeatGrace is added to the heartbeat period to get the default timeout.
	HeartbeatGrace  = 20 * time.Second
	DefaultLogLevel = "info"
)

type GofleetConfig struct {
	Instance string // Unique name of this process, used as claim owner and heartbeat key

	StorageDriver  StorageDriver
	PostgresConfig PostgresConfig

	ConcurrencyLimit    int           // Max simultaneous running instances per executor
	SchedulerPollPeriod time.Duration // Time between scheduler scans
	SchedulerBatchLimit int           // Max records claimed per scan
	ExecutorPollPeriod  time.Duration // Time between executor scans
	HeartbeatPeriod     time.Duration // Time between liveness beats
	HeartbeatTimeout    time.Duration // Silence after which a process is presumed dead

	// Queues an executor serves; empty serves every queue.
	Queues []registry.Ref

	LogLevel   string
	LogConsole bool

	// OpsAddress is where /metrics and /healthz are served; empty disables it.
	OpsAddress string
	// OpsSecret, when set, signs the bearer tokens required to post requests over HTTP.
	OpsSecret string

	heartbeatTimeoutSet bool
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	ConnectionUrl string
}

// ContainerOption type for functional options pattern
type ContainerOption func(*GofleetConfig) error

// NewGofleetConfig creates a config with default values. An empty instance
// gets a generated name. Every failing option is reported together.
func NewGofleetConfig(instance string, opts ...ContainerOption) (*GofleetConfig, error) {
	if instance == "" {
		instance = DefaultInstanceName()
	}
	cfg := &GofleetConfig{
		Instance:            instance,
		StorageDriver:       DefaultStorageDriver,
		ConcurrencyLimit:    DefaultConcurrencyLimit,
		SchedulerPollPeriod: DefaultSchedulerPollPeriod,
		SchedulerBatchLimit: DefaultSchedulerBatchLimit,
		ExecutorPollPeriod:  DefaultExecutorPollPeriod,
		HeartbeatPeriod:     DefaultHeartbeatPeriod,
		LogLevel:            DefaultLogLevel,
	}
	validationErrs := &custom_errors.ValidationError{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			validationErrs.Add(err)
		}
	}

	if !cfg.heartbeatTimeoutSet {
		cfg.HeartbeatTimeout = cfg.HeartbeatPeriod + HeartbeatGrace
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatPeriod {
		validationErrs.Add(fmt.Errorf("heartbeat timeout %v must exceed heartbeat period %v", cfg.HeartbeatTimeout, cfg.HeartbeatPeriod))
	}
	if cfg.StorageDriver == Postgres && cfg.PostgresConfig.ConnectionUrl == "" {
		validationErrs.Add(errors.New("postgres client: connection URL is required"))
	}

	if validationErrs.HasError() {
		return nil, validationErrs
	}
	return cfg, nil
}

// DefaultInstanceName returns the host name with a short random suffix.
func DefaultInstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gofleet"
	}
	return host + "-" + uuid.NewString()[:8]
}

func WithStorageDriver(driver StorageDriver) ContainerOption {
	return func(c *GofleetConfig) error {
		if driver.String() == "unknown" {
			return fmt.Errorf("unsupported storage driver: %d", driver)
		}
		c.StorageDriver = driver
		return nil
	}
}

func WithPostgresConfig(pg PostgresConfig) ContainerOption {
	return func(c *GofleetConfig) error {
		if c.StorageDriver != Postgres {
			return fmt.Errorf("cannot set Postgres client when driver is %s", c.StorageDriver.String())
		}
		if pg.ConnectionUrl == "" {
			return errors.New("postgres client: connection URL is required")
		}
		c.PostgresConfig = pg
		return nil
	}
}

func WithConcurrencyLimit(n int) ContainerOption {
	return func(c *GofleetConfig) error {
		if n < 1 {
			return errors.New("concurrency limit must be positive")
		}
		c.ConcurrencyLimit = n
		return nil
	}
}

func WithSchedulerPollPeriod(d time.Duration) ContainerOption {
	return func(c *GofleetConfig) error {
		if d <= 0 {
			return errors.New("scheduler poll period must be positive")
		}
		c.SchedulerPollPeriod = d
		return nil
	}
}

func WithSchedulerBatchLimit(n int) ContainerOption {
	return func(c *GofleetConfig) error {
		if n < 1 {
			return errors.New("scheduler batch limit must be positive")
		}
		c.SchedulerBatchLimit = n
		return nil
	}
}

func WithExecutorPollPeriod(d time.Duration) ContainerOption {
	return func(c *GofleetConfig) error {
		if d <= 0 {
			return errors.New("executor poll period must be positive")
		}
		c.ExecutorPollPeriod = d
		return nil
	}
}

// WithHeartbeatPeriod sets the beat period. Unless a timeout is set
// explicitly it follows as the period plus HeartbeatGrace.
func WithHeartbeatPeriod(d time.Duration) ContainerOption {
	return func(c *GofleetConfig) error {
		if d <= 0 {
			return errors.New("heartbeat period must be positive")
		}
		c.HeartbeatPeriod = d
		return nil
	}
}

func WithHeartbeatTimeout(d time.Duration) ContainerOption {
	return func(c *GofleetConfig) error {
		if d <= 0 {
			return errors.New("heartbeat timeout must be positive")
		}
		c.HeartbeatTimeout = d
		c.heartbeatTimeoutSet = true
		return nil
	}
}

func WithQueues(queues ...registry.Ref) ContainerOption {
	return func(c *GofleetConfig) error {
		for _, q := range queues {
			if q.Type == "" {
				return fmt.Errorf("queue %v has no type", q)
			}
		}
		c.Queues = append(c.Queues, queues...)
		return nil
	}
}

func WithLogging(level string, console bool) ContainerOption {
	return func(c *GofleetConfig) error {
		c.LogLevel = level
		c.LogConsole = console
		return nil
	}
}

func WithOpsAddress(addr string) ContainerOption {
	return func(c *GofleetConfig) error {
		c.OpsAddress = addr
		return nil
	}
}

func WithOpsSecret(secret string) ContainerOption {
	return func(c *GofleetConfig) error {
		c.OpsSecret = secret
		return nil
	}
}
