package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/RezaEskandarii/gofleet/client"
	"github.com/RezaEskandarii/gofleet/internal/db"
	"github.com/RezaEskandarii/gofleet/internal/lock"
	"github.com/RezaEskandarii/gofleet/internal/logging"
	"github.com/RezaEskandarii/gofleet/internal/metrics"
	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/internal/store/memory"
	"github.com/RezaEskandarii/gofleet/internal/store/postgres"
	"github.com/RezaEskandarii/gofleet/types/config"
	"github.com/RezaEskandarii/gofleet/web"
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.GofleetConfig
	Logger zerolog.Logger

	// Nil for the memory driver.
	DB *sql.DB

	Store       store.Store
	LockManager lock.DistributedLockManager
	Registry    *registry.Registry

	MetricsRegistry *prometheus.Registry
	Metrics         *metrics.Collector

	JobManager *client.JobManager

	managerOpts []client.ManagerOption
	ownsDB      bool
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle. For Postgres the schema is
// migrated unless WithoutMigrations is given.
func NewContainer(ctx context.Context, cfg *config.GofleetConfig, reg *registry.Registry, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{migrate: true}
	for _, o := range opts {
		o(opt)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Console: cfg.LogConsole}, os.Stderr)
	if opt.logger != nil {
		logger = *opt.logger
	}
	logger = logger.With().Str("instance", cfg.Instance).Logger()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	c := &Container{
		Config:          cfg,
		Logger:          logger,
		Registry:        reg,
		MetricsRegistry: promRegistry,
		Metrics:         collector,
		managerOpts:     append([]client.ManagerOption{client.WithMetrics(collector)}, opt.managerOpts...),
	}

	switch cfg.StorageDriver {
	case config.Postgres:
		conn := opt.db
		if conn == nil {
			var err error
			if conn, err = openPostgresDB(cfg.PostgresConfig.ConnectionUrl); err != nil {
				return nil, fmt.Errorf("init storage: %w", err)
			}
			c.ownsDB = true
		}
		c.DB = conn
		c.Store = postgres.NewPostgresStore(conn)
		c.LockManager = lock.NewPostgresDistributedLockManager(conn)
		if opt.migrate {
			if err := db.Init(ctx, conn, c.LockManager, logger); err != nil {
				c.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
	case config.Memory:
		c.Store = memory.NewMemoryStore()
		c.LockManager = lock.NewLocalLockManager()
	default:
		return nil, fmt.Errorf("unsupported storage driver: %v", cfg.StorageDriver)
	}

	c.JobManager = client.NewJobManager(c.Store, reg, logger, c.managerOpts...)
	return c, nil
}

func openPostgresDB(connectionURL string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return conn, nil
}

func (c *Container) SchedulerManager() *client.SchedulerManager {
	return client.NewSchedulerManager(c.Store, c.LockManager, c.Config, c.Logger, c.managerOpts...)
}

func (c *Container) ExecutorManager() *client.ExecutorManager {
	return client.NewExecutorManager(c.Store, c.LockManager, c.Registry, c.Config, c.Logger, c.managerOpts...)
}

// WebHandler serves /metrics, /healthz and the read API.
func (c *Container) WebHandler() *web.HttpRouteHandler {
	var health func(ctx context.Context) error
	if c.DB != nil {
		health = c.DB.PingContext
	}
	return web.NewRouteHandler(c.JobManager, c.MetricsRegistry, health, c.Config.OpsSecret, c.Logger)
}

// Close releases the store. An injected database is left open.
func (c *Container) Close() error {
	if c.Store == nil || (c.DB != nil && !c.ownsDB) {
		return nil
	}
	return c.Store.Close()
}

// Role selects which loops Run starts.
type Role int

const (
	RunScheduler Role = 1 << iota
	RunExecutor

	RunAll = RunScheduler | RunExecutor
)

// Run starts the selected managers, plus the ops server when an address is
// configured, and blocks until ctx is done or one of them fails.
func (c *Container) Run(ctx context.Context, roles Role) error {
	g, gctx := errgroup.WithContext(ctx)
	if roles&RunScheduler != 0 {
		sm := c.SchedulerManager()
		g.Go(func() error { return sm.Start(gctx) })
	}
	if roles&RunExecutor != 0 {
		em := c.ExecutorManager()
		g.Go(func() error { return em.Start(gctx) })
	}
	if c.Config.OpsAddress != "" {
		h := c.WebHandler()
		g.Go(func() error { return h.Serve(gctx, c.Config.OpsAddress) })
	}
	return g.Wait()
}
