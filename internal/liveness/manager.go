// Package liveness hands schedule records out to scheduler processes and
// takes them back from processes that stop beating.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/RezaEskandarii/gofleet/internal/constants"
	"github.com/RezaEskandarii/gofleet/internal/lock"
	"github.com/RezaEskandarii/gofleet/internal/metrics"
	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
)

type Config struct {
	// Process is the name this process claims and beats under.
	Process string
	Role    types.Role

	// PollPeriod is the scheduler poll period.
	PollPeriod       time.Duration
	HeartbeatTimeout time.Duration
	BatchLimit       int
}

type Manager struct {
	store   store.Store
	locks   lock.DistributedLockManager
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

type Option func(*Manager)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

func NewManager(st store.Store, locks lock.DistributedLockManager, cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With().Str("component", "liveness").Str("process", cfg.Process).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Process() string { return m.cfg.Process }

// Cutoff is the instant a claim holder must have beaten after to count as alive.
func (m *Manager) Cutoff() time.Time {
	grace := max(m.cfg.PollPeriod*3/2, m.cfg.HeartbeatTimeout)
	return m.now().Add(-grace)
}

func (m *Manager) Unclaimed(ctx context.Context) ([]schedule.Record, error) {
	return m.store.Unclaimed(ctx, m.cfg.BatchLimit)
}

func (m *Manager) Orphaned(ctx context.Context) ([]schedule.Record, error) {
	return m.store.Orphaned(ctx, m.Cutoff(), m.cfg.BatchLimit)
}

// Claim takes ownership of records for this process. A record whose owner
// changed since it was read is skipped; only the records won are returned,
// updated to reflect the new owner.
func (m *Manager) Claim(ctx context.Context, records []schedule.Record) ([]schedule.Record, error) {
	claimed := make([]schedule.Record, 0, len(records))
	reclaimed := 0
	cutoff := m.Cutoff()
	for _, rec := range records {
		meta := rec.Meta()
		previous := meta.Owner

		ok, err := m.store.Claim(ctx, meta.ID, previous, m.cfg.Process, cutoff)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return claimed, fmt.Errorf("claim schedule %d: %w", meta.ID, err)
		}
		m.metrics.RecordClaim(ok)
		if !ok {
			m.logger.Debug().Int64("schedule", meta.ID).Msg("claim lost to another scheduler")
			continue
		}

		if previous != nil {
			reclaimed++
			m.logger.Warn().Int64("schedule", meta.ID).Str("previous_owner", *previous).Msg("reclaimed orphaned schedule")
		}
		owner := m.cfg.Process
		meta.Owner = &owner
		meta.Version++
		claimed = append(claimed, rec)
	}
	m.metrics.RecordReclaimed(reclaimed)
	return claimed, nil
}

// Beat records that this process is alive.
func (m *Manager) Beat(ctx context.Context) error {
	return m.store.Beat(ctx, m.cfg.Process, m.cfg.Role, m.now())
}

// Release gives up this process's claim on rec.
func (m *Manager) Release(ctx context.Context, rec schedule.Record) error {
	meta := rec.Meta()
	ok, err := m.store.Release(ctx, meta.ID, m.cfg.Process)
	if err != nil {
		return err
	}
	if ok {
		meta.Owner = nil
		meta.Version++
	}
	return nil
}

// ReleaseAll drops every claim of this process and marks it inactive, so
// other schedulers pick its records up without waiting for the timeout.
func (m *Manager) ReleaseAll(ctx context.Context) (int64, error) {
	n, err := m.store.ReleaseAll(ctx, m.cfg.Process)
	if err != nil {
		return 0, err
	}
	if err := m.store.Deactivate(ctx, m.cfg.Process); err != nil && !errors.Is(err, store.ErrNotFound) {
		return n, err
	}
	m.logger.Info().Int64("released", n).Msg("released all claims")
	return n, nil
}

type ReapResult struct {
	Released    int
	Schedulers  int
	Executors   int
	Interrupted int64
	// Skipped is set when another process held the reaper lock.
	Skipped bool
}

// Reap returns the claims of dead schedulers to the pool, marks dead
// processes inactive and interrupts instances left running by dead
// executors. Only one process reaps at a time.
func (m *Manager) Reap(ctx context.Context) (ReapResult, error) {
	var result ReapResult

	acquired, err := m.locks.TryAcquire(ctx, constants.ReaperLock)
	if err != nil {
		return result, err
	}
	if !acquired {
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := m.locks.Release(context.WithoutCancel(ctx), constants.ReaperLock); err != nil {
			m.logger.Error().Err(err).Msg("failed to release reaper lock")
		}
	}()

	cutoff := m.Cutoff()
	orphans, err := m.store.Orphaned(ctx, cutoff, m.cfg.BatchLimit)
	if err != nil {
		return result, err
	}
	for _, rec := range orphans {
		meta := rec.Meta()
		ok, err := m.store.Release(ctx, meta.ID, *meta.Owner)
		if err != nil {
			return result, err
		}
		if ok {
			result.Released++
			m.logger.Warn().Int64("schedule", meta.ID).Str("owner", *meta.Owner).Msg("released claim of dead scheduler")
		}
	}
	m.metrics.RecordReclaimed(result.Released)

	// Executors first: a process running both roles must have its instances
	// interrupted before the scheduler pass deactivates it.
	executors, err := m.store.Stale(ctx, types.RoleExecutor, m.now().Add(-m.cfg.HeartbeatTimeout))
	if err != nil {
		return result, err
	}
	for _, hb := range executors {
		n, err := m.store.InterruptRunning(ctx, hb.Process)
		if err != nil {
			return result, err
		}
		if err := m.store.Deactivate(ctx, hb.Process); err != nil {
			return result, err
		}
		result.Executors++
		result.Interrupted += n
		m.metrics.RecordInterrupted(n)
		m.logger.Warn().Str("executor", hb.Process).Int64("interrupted", n).Msg("executor presumed dead")
	}

	schedulers, err := m.store.Stale(ctx, types.RoleScheduler, cutoff)
	if err != nil {
		return result, err
	}
	for _, hb := range schedulers {
		if hb.Process == m.cfg.Process {
			continue
		}
		if err := m.store.Deactivate(ctx, hb.Process); err != nil {
			return result, err
		}
		result.Schedulers++
		m.logger.Warn().Str("scheduler", hb.Process).Time("last_beat", hb.LastBeat).Msg("scheduler presumed dead")
	}

	return result, nil
}
