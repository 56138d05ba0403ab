package app

import (
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/RezaEskandarii/gofleet/client"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject custom DB instead of creating from config
	db          *sql.DB
	logger      *zerolog.Logger
	migrate     bool
	managerOpts []client.ManagerOption
}

// WithDB injects a custom database connection. The caller keeps ownership.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

func WithLogger(logger zerolog.Logger) ContainerOption {
	return func(c *containerConfig) {
		c.logger = &logger
	}
}

// WithoutMigrations skips schema creation on start-up.
func WithoutMigrations() ContainerOption {
	return func(c *containerConfig) {
		c.migrate = false
	}
}

// WithManagerOptions passes extra options to every manager the container builds.
func WithManagerOptions(opts ...client.ManagerOption) ContainerOption {
	return func(c *containerConfig) {
		c.managerOpts = append(c.managerOpts, opts...)
	}
}
