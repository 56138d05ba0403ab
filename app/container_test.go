package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/gofleet/internal/lock"
	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/store/memory"
	"github.com/RezaEskandarii/gofleet/internal/store/postgres"
	"github.com/RezaEskandarii/gofleet/types/config"
)

func testRegistry(t *testing.T) *registry.Registry {
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterTask(registry.Task{Type: "noop", Handler: func(ctx context.Context, run registry.Run) error { return nil }}))
	require.NoError(t, b.RegisterQueue("default"))
	return b.Build()
}

func TestNewContainer_Memory(t *testing.T) {
	cfg, err := config.NewGofleetConfig("node-1", config.WithStorageDriver(config.Memory))
	require.NoError(t, err)

	c, err := NewContainer(context.Background(), cfg, testRegistry(t), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &memory.MemoryStore{}, c.Store)
	assert.IsType(t, &lock.LocalLockManager{}, c.LockManager)
	assert.Nil(t, c.DB)
	assert.NotNil(t, c.JobManager)
	assert.NotNil(t, c.SchedulerManager())
	assert.NotNil(t, c.ExecutorManager())

	_, err = c.JobManager.Enqueue(context.Background(), registry.Ref{Type: "noop", ID: 1}, registry.Ref{Type: "default", ID: 1})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c.WebHandler().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewContainer_PostgresWithInjectedDB(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	cfg, err := config.NewGofleetConfig("node-1", config.WithPostgresConfig(config.PostgresConfig{ConnectionUrl: "postgres://unused"}))
	require.NoError(t, err)

	c, err := NewContainer(context.Background(), cfg, testRegistry(t), WithDB(db), WithoutMigrations(), WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	assert.IsType(t, &postgres.PostgresStore{}, c.Store)
	assert.IsType(t, &lock.PostgresDistributedLockManager{}, c.LockManager)
	assert.Same(t, db, c.DB)

	mock.ExpectPing()
	rec := httptest.NewRecorder()
	c.WebHandler().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// The injected connection stays open.
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
