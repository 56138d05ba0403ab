package client

import (
	"context"
	"time"

	"github.com/RezaEskandarii/gofleet/internal/metrics"
)

type managerOptions struct {
	metrics *metrics.Collector
	now     func() time.Time
}

// ManagerOption customizes a scheduler or executor manager.
type ManagerOption func(*managerOptions)

func WithMetrics(c *metrics.Collector) ManagerOption {
	return func(o *managerOptions) { o.metrics = c }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

func applyOptions(opts []ManagerOption) managerOptions {
	o := managerOptions{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// every runs fn immediately and then once per period until ctx is done.
func every(ctx context.Context, period time.Duration, fn func(ctx context.Context)) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
