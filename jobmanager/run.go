package jobmanager

import (
	"context"
	"errors"
	"runtime"

	"github.com/RezaEskandarii/gofleet/app"
	"github.com/RezaEskandarii/gofleet/client"
	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/types/config"
)

// Fleet is a running gofleet node embedded in an application.
type Fleet struct {
	*client.JobManager

	container *app.Container
	done      chan struct{}
	err       error
}

// New initializes the whole system from cfg and starts the selected roles in
// the background.
//
// It builds a single dependency container (store, locks, metrics), runs the
// schema migration for Postgres under the migration lock, and starts the
// scheduler and executor loops plus the ops server when OpsAddress is set.
// Everything stops when ctx is done; Wait blocks until then.
func New(ctx context.Context, cfg *config.GofleetConfig, reg *registry.Registry, roles app.Role, opts ...app.ContainerOption) (*Fleet, error) {
	c, err := app.NewContainer(ctx, cfg, reg, opts...)
	if err != nil {
		return nil, err
	}
	c.Logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Str("driver", cfg.StorageDriver.String()).Msg("gofleet starting")

	f := &Fleet{
		JobManager: c.JobManager,
		container:  c,
		done:       make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		f.err = errors.Join(c.Run(ctx, roles), c.Close())
	}()
	return f, nil
}

// Wait blocks until the fleet has shut down and returns the first failure.
func (f *Fleet) Wait() error {
	<-f.done
	return f.err
}

func (f *Fleet) Container() *app.Container {
	return f.container
}
