package test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/types/config"
)

var (
	reportTask   = registry.Ref{Type: "report", ID: 1}
	failTask     = registry.Ref{Type: "fail", ID: 1}
	errorTask    = registry.Ref{Type: "error", ID: 1}
	slowTask     = registry.Ref{Type: "slow", ID: 1}
	blockTask    = registry.Ref{Type: "block", ID: 1}
	defaultQueue = registry.Ref{Type: "default", ID: 1}
	otherQueue   = registry.Ref{Type: "other", ID: 1}
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable time source shared by the managers under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	b := registry.NewBuilder()
	require.NoError(t, b.RegisterTask(registry.Task{Type: "report", Handler: func(ctx context.Context, run registry.Run) error {
		return nil
	}}))
	require.NoError(t, b.RegisterTask(registry.Task{Type: "fail", Handler: func(ctx context.Context, run registry.Run) error {
		return registry.Fail("report was empty")
	}}))
	require.NoError(t, b.RegisterTask(registry.Task{Type: "error", Handler: func(ctx context.Context, run registry.Run) error {
		return errors.New("disk full")
	}}))
	require.NoError(t, b.RegisterTask(registry.Task{Type: "slow", Timeout: 20 * time.Millisecond, Handler: func(ctx context.Context, run registry.Run) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.NoError(t, b.RegisterTask(registry.Task{Type: "block", Handler: func(ctx context.Context, run registry.Run) error {
		<-ctx.Done()
		return nil
	}}))
	require.NoError(t, b.RegisterQueue("default"))
	require.NoError(t, b.RegisterQueue("other"))
	return b.Build()
}

func newTestConfig(t *testing.T, instance string, opts ...config.ContainerOption) *config.GofleetConfig {
	t.Helper()
	base := []config.ContainerOption{
		config.WithStorageDriver(config.Memory),
		config.WithSchedulerPollPeriod(5 * time.Second),
		config.WithExecutorPollPeriod(5 * time.Millisecond),
		config.WithHeartbeatPeriod(3 * time.Second),
		config.WithSchedulerBatchLimit(100),
	}
	cfg, err := config.NewGofleetConfig(instance, append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}
