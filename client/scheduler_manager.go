package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/RezaEskandarii/gofleet/internal/liveness"
	"github.com/RezaEskandarii/gofleet/internal/lock"
	"github.com/RezaEskandarii/gofleet/internal/metrics"
	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
	"github.com/RezaEskandarii/gofleet/types/config"
)

// SchedulerManager claims schedule records and turns due occurrences into
// CREATED instances.
type SchedulerManager struct {
	store    store.Store
	liveness *liveness.Manager
	cfg      *config.GofleetConfig
	logger   zerolog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

type PollResult struct {
	Claimed    int
	Dispatched int
	Released   int
}

func NewSchedulerManager(st store.Store, locks lock.DistributedLockManager, cfg *config.GofleetConfig, logger zerolog.Logger, opts ...ManagerOption) *SchedulerManager {
	o := applyOptions(opts)
	logger = logger.With().Str("component", "scheduler").Str("instance", cfg.Instance).Logger()

	return &SchedulerManager{
		store: st,
		liveness: liveness.NewManager(st, locks, liveness.Config{
			Process:          cfg.Instance,
			Role:             types.RoleScheduler,
			PollPeriod:       cfg.SchedulerPollPeriod,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			BatchLimit:       cfg.SchedulerBatchLimit,
		}, logger, liveness.WithClock(o.now), liveness.WithMetrics(o.metrics)),
		cfg:     cfg,
		logger:  logger,
		metrics: o.metrics,
		now:     o.now,
	}
}

// Start runs the heartbeat, reaper and poll loops until ctx is done, then
// hands every claim back.
func (sm *SchedulerManager) Start(ctx context.Context) error {
	if err := sm.liveness.Beat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	sm.logger.Info().Dur("poll_period", sm.cfg.SchedulerPollPeriod).Msg("scheduler started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(gctx, sm.cfg.HeartbeatPeriod, func(ctx context.Context) {
			if err := sm.liveness.Beat(ctx); err != nil {
				sm.logger.Error().Err(err).Msg("heartbeat failed")
			}
		})
	})
	g.Go(func() error {
		return every(gctx, sm.cfg.HeartbeatPeriod, func(ctx context.Context) {
			if _, err := sm.liveness.Reap(ctx); err != nil {
				sm.logger.Error().Err(err).Msg("reap failed")
			}
		})
	})
	g.Go(func() error {
		return every(gctx, sm.cfg.SchedulerPollPeriod, func(ctx context.Context) {
			if _, err := sm.Poll(ctx); err != nil && ctx.Err() == nil {
				sm.logger.Error().Err(err).Msg("scheduler poll failed")
			}
		})
	})
	err := g.Wait()

	if _, rerr := sm.liveness.ReleaseAll(context.WithoutCancel(ctx)); rerr != nil {
		sm.logger.Error().Err(rerr).Msg("failed to release claims on shutdown")
	}
	sm.logger.Info().Msg("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Poll runs one scheduling cycle: claim free and orphaned records, then
// dispatch every due occurrence of the records this process owns.
func (sm *SchedulerManager) Poll(ctx context.Context) (PollResult, error) {
	var result PollResult

	unclaimed, err := sm.liveness.Unclaimed(ctx)
	if err != nil {
		return result, fmt.Errorf("fetch unclaimed: %w", err)
	}
	orphaned, err := sm.liveness.Orphaned(ctx)
	if err != nil {
		return result, fmt.Errorf("fetch orphaned: %w", err)
	}
	claimed, err := sm.liveness.Claim(ctx, append(unclaimed, orphaned...))
	result.Claimed = len(claimed)
	if err != nil {
		return result, err
	}

	owned, err := sm.store.Owned(ctx, sm.cfg.Instance, sm.cfg.SchedulerBatchLimit)
	if err != nil {
		return result, fmt.Errorf("fetch owned: %w", err)
	}
	for _, rec := range owned {
		n, err := sm.dispatchDue(ctx, rec)
		result.Dispatched += n
		if errors.Is(err, schedule.ErrInvalidPeriod) || errors.Is(err, schedule.ErrEnqueuedTooEarly) {
			// Already logged; the record stays claimed and untouched.
			continue
		}
		if err != nil {
			return result, err
		}
		if rec.Finished() && rec.Meta().OwnedBy(sm.cfg.Instance) {
			if err := sm.liveness.Release(ctx, rec); err != nil {
				return result, err
			}
			result.Released++
		}
	}

	if result.Claimed > 0 || result.Dispatched > 0 {
		sm.logger.Debug().
			Int("claimed", result.Claimed).
			Int("dispatched", result.Dispatched).
			Int("released", result.Released).
			Msg("scheduler poll")
	}
	return result, nil
}

// dispatchDue creates an instance for each occurrence of rec that is due.
// It stops as soon as the store reports the record changed underneath.
func (sm *SchedulerManager) dispatchDue(ctx context.Context, rec schedule.Record) (int, error) {
	meta := rec.Meta()
	dispatched := 0
	for dispatched < sm.cfg.SchedulerBatchLimit {
		now := sm.now()
		if !schedule.IsDue(rec, now) {
			return dispatched, nil
		}

		id := meta.ID
		inst := types.NewInstance(meta.Task, meta.Queue, &id)
		if err := rec.Enqueued(now); err != nil {
			sm.logger.Error().Err(err).Int64("schedule", meta.ID).Msg("cannot advance schedule")
			return dispatched, err
		}

		ok, err := sm.store.Dispatch(ctx, rec, sm.cfg.Instance, inst)
		if err != nil {
			return dispatched, fmt.Errorf("dispatch schedule %d: %w", meta.ID, err)
		}
		sm.metrics.RecordDispatch(ok)
		if !ok {
			sm.logger.Debug().Int64("schedule", meta.ID).Msg("schedule changed underneath, dropping")
			meta.Owner = nil
			return dispatched, nil
		}
		dispatched++
		sm.logger.Debug().Int64("schedule", meta.ID).Int64("instance", inst.ID).Msg("instance dispatched")
	}
	return dispatched, nil
}
