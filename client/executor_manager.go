package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/RezaEskandarii/gofleet/internal/admission"
	"github.com/RezaEskandarii/gofleet/internal/liveness"
	"github.com/RezaEskandarii/gofleet/internal/lock"
	"github.com/RezaEskandarii/gofleet/internal/metrics"
	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
	"github.com/RezaEskandarii/gofleet/types/config"
)

var (
	errStopRequested = errors.New("stop requested")
	errKillRequested = errors.New("kill requested")
	errShuttingDown  = errors.New("executor shutting down")
)

// ExecutorManager runs CREATED instances on the queues it serves, at most
// ConcurrencyLimit at a time, and applies requests posted to them.
type ExecutorManager struct {
	store    store.Store
	registry *registry.Registry
	liveness *liveness.Manager
	pool     *admission.Pool
	cfg      *config.GofleetConfig
	logger   zerolog.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	runResults chan types.RunResult

	mu      sync.Mutex
	running map[int64]context.CancelCauseFunc

	deniedLog rate.Sometimes
}

func NewExecutorManager(st store.Store, locks lock.DistributedLockManager, reg *registry.Registry, cfg *config.GofleetConfig, logger zerolog.Logger, opts ...ManagerOption) *ExecutorManager {
	o := applyOptions(opts)
	logger = logger.With().Str("component", "executor").Str("instance", cfg.Instance).Logger()

	return &ExecutorManager{
		store:    st,
		registry: reg,
		liveness: liveness.NewManager(st, locks, liveness.Config{
			Process:          cfg.Instance,
			Role:             types.RoleExecutor,
			PollPeriod:       cfg.SchedulerPollPeriod,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
		}, logger, liveness.WithClock(o.now), liveness.WithMetrics(o.metrics)),
		pool:       admission.NewPool(cfg.ConcurrencyLimit),
		cfg:        cfg,
		logger:     logger,
		metrics:    o.metrics,
		now:        o.now,
		runResults: make(chan types.RunResult, 1000),
		running:    make(map[int64]context.CancelCauseFunc),
		deniedLog:  rate.Sometimes{Interval: 30 * time.Second},
	}
}

// Start polls for work until ctx is done. Instances still running at that
// point are cancelled and recorded as INTERRUPTED before Start returns.
func (em *ExecutorManager) Start(ctx context.Context) error {
	if err := em.liveness.Beat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	em.logger.Info().Int("concurrency", em.pool.Limit()).Msg("executor started")

	processed := make(chan struct{})
	go func() {
		defer close(processed)
		em.startResultProcessor(context.WithoutCancel(ctx))
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(gctx, em.cfg.HeartbeatPeriod, func(ctx context.Context) {
			if err := em.liveness.Beat(ctx); err != nil {
				em.logger.Error().Err(err).Msg("heartbeat failed")
			}
		})
	})
	g.Go(func() error {
		return every(gctx, em.cfg.ExecutorPollPeriod, func(ctx context.Context) {
			if err := em.ProcessRequests(ctx); err != nil && ctx.Err() == nil {
				em.logger.Error().Err(err).Msg("request processing failed")
			}
			if _, err := em.Poll(ctx); err != nil && ctx.Err() == nil {
				em.logger.Error().Err(err).Msg("executor poll failed")
			}
		})
	})
	err := g.Wait()

	em.cancelAll(errShuttingDown)
	em.pool.Wait()
	em.metrics.SetRunning(em.pool.Running())
	close(em.runResults)
	<-processed

	if derr := em.store.Deactivate(context.WithoutCancel(ctx), em.cfg.Instance); derr != nil && !errors.Is(derr, store.ErrNotFound) {
		em.logger.Error().Err(derr).Msg("failed to deactivate heartbeat")
	}
	em.logger.Info().Msg("executor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Poll starts as many CREATED instances as there are free slots and
// reports how many it started.
func (em *ExecutorManager) Poll(ctx context.Context) (int, error) {
	em.metrics.SetRunning(em.pool.Running())
	free := em.pool.Limit() - em.pool.Running()
	if free <= 0 {
		em.denied()
		return 0, nil
	}

	candidates, err := em.store.FetchCreated(ctx, em.cfg.Queues, free)
	if err != nil {
		return 0, fmt.Errorf("fetch created: %w", err)
	}

	started := 0
	for _, inst := range candidates {
		if !em.pool.Admit() {
			em.denied()
			break
		}
		ok, err := em.store.Start(ctx, inst.ID, em.cfg.Instance)
		if err != nil || !ok {
			em.pool.Release()
			if err != nil {
				return started, fmt.Errorf("start instance %d: %w", inst.ID, err)
			}
			em.logger.Debug().Int64("instance", inst.ID).Msg("instance taken by another executor")
			continue
		}

		started++
		em.metrics.SetRunning(em.pool.Running())

		// Runs outlive the poll; they end on their own, by request, or at shutdown.
		runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		em.track(inst.ID, cancel)
		em.pool.Run(runCtx, func(ctx context.Context) {
			em.handleInstance(ctx, cancel, inst)
		}, func(err error) {
			em.logger.Error().Err(err).Int64("instance", inst.ID).Msg("instance runner panicked")
		})
	}
	return started, nil
}

func (em *ExecutorManager) denied() {
	em.metrics.RecordAdmissionDenied()
	em.deniedLog.Do(func() {
		em.logger.Debug().Int("limit", em.pool.Limit()).Msg("all slots busy, leaving instances queued")
	})
}

// handleInstance runs on the slot Poll admitted; the pool returns it.
func (em *ExecutorManager) handleInstance(ctx context.Context, cancel context.CancelCauseFunc, inst types.Instance) {
	startedAt := em.now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
		em.untrack(inst.ID)
		cancel(nil)

		status := em.outcome(ctx, err)
		em.runResults <- types.RunResult{
			InstanceID: inst.ID,
			Err:        err,
			Status:     status,
			StartedAt:  startedAt,
			EndedAt:    em.now(),
		}
	}()

	task, err := em.registry.Resolve(inst.Task)
	if err != nil {
		return
	}
	runCtx := ctx
	if task.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(ctx, task.Timeout)
		defer cancelTimeout()
	}

	err = task.Handler(runCtx, inst.Run())
	if err == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = runCtx.Err()
	}
}

// outcome maps how a handler ended to the instance's final status.
func (em *ExecutorManager) outcome(ctx context.Context, err error) state.Status {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errKillRequested):
		return state.StatusKilled
	case errors.Is(cause, errStopRequested):
		return state.StatusEnded
	case errors.Is(cause, errShuttingDown):
		return state.StatusInterrupted
	}
	switch {
	case err == nil:
		return state.StatusSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return state.StatusTimedOut
	case errors.Is(err, registry.ErrTaskFailed):
		return state.StatusFailure
	default:
		return state.StatusError
	}
}

func (em *ExecutorManager) startResultProcessor(ctx context.Context) {
	for res := range em.runResults {
		var lastError *string
		if res.Err != nil {
			msg := res.Err.Error()
			lastError = &msg
		}
		ok, err := em.store.Finish(ctx, res.InstanceID, res.Status, lastError)
		if err != nil {
			em.logger.Error().Err(err).Int64("instance", res.InstanceID).Msg("failed to record result")
			continue
		}
		if !ok {
			// Already final, e.g. interrupted by a reaper that presumed us dead.
			em.logger.Warn().Int64("instance", res.InstanceID).Msg("instance was finalized elsewhere")
			continue
		}
		em.metrics.RecordFinished(res.Status, res.EndedAt.Sub(res.StartedAt).Seconds())
		em.logger.Debug().
			Int64("instance", res.InstanceID).
			Str("status", res.Status.String()).
			Dur("took", res.EndedAt.Sub(res.StartedAt)).
			Msg("instance finished")
	}
}

// ProcessRequests applies the requests posted to instances this executor runs.
func (em *ExecutorManager) ProcessRequests(ctx context.Context) error {
	pending, err := em.store.PendingRequests(ctx, em.cfg.Instance)
	if err != nil {
		return err
	}

	for _, inst := range pending {
		if err := em.applyRequest(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

func (em *ExecutorManager) applyRequest(ctx context.Context, inst types.Instance) error {
	req := *inst.Request
	log := em.logger.With().Int64("instance", inst.ID).Str("request", req.String()).Logger()

	switch req {
	case state.RequestStop, state.RequestKill:
		cause, final := errStopRequested, state.StatusEnded
		if req == state.RequestKill {
			cause, final = errKillRequested, state.StatusKilled
		}
		if em.cancel(inst.ID, cause) {
			log.Info().Msg("cancelling instance")
			return em.store.ClearRequest(ctx, inst.ID)
		}
		// Not running here any more, finish it directly.
		if _, err := em.store.Finish(ctx, inst.ID, final, nil); err != nil {
			return err
		}
		return nil
	case state.RequestPause:
		if _, err := em.store.UpdateStatus(ctx, inst.ID, state.StatusRunning, state.StatusPaused); err != nil {
			return err
		}
		log.Info().Msg("instance paused")
	case state.RequestResume:
		if _, err := em.store.UpdateStatus(ctx, inst.ID, state.StatusPaused, state.StatusRunning); err != nil {
			return err
		}
		log.Info().Msg("instance resumed")
	case state.RequestReload:
		log.Info().Msg("reload acknowledged")
	default:
		log.Warn().Msg("ignoring unknown request")
	}
	return em.store.ClearRequest(ctx, inst.ID)
}

func (em *ExecutorManager) Running() int {
	return em.pool.Running()
}

func (em *ExecutorManager) track(id int64, cancel context.CancelCauseFunc) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.running[id] = cancel
}

func (em *ExecutorManager) untrack(id int64) {
	em.mu.Lock()
	defer em.mu.Unlock()
	delete(em.running, id)
}

func (em *ExecutorManager) cancel(id int64, cause error) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	cancel, ok := em.running[id]
	if ok {
		cancel(cause)
	}
	return ok
}

func (em *ExecutorManager) cancelAll(cause error) {
	em.mu.Lock()
	defer em.mu.Unlock()
	for _, cancel := range em.running {
		cancel(cause)
	}
}
