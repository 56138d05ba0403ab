package client

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
)

// JobManager is the API applications use to create schedules, launch
// instances and steer running ones.
type JobManager struct {
	store    store.Store
	registry *registry.Registry
	logger   zerolog.Logger
	now      func() time.Time
	rng      *rand.Rand

	localOnce sync.Once
	local     *cron.Cron
}

func NewJobManager(st store.Store, reg *registry.Registry, logger zerolog.Logger, opts ...ManagerOption) *JobManager {
	o := applyOptions(opts)
	return &JobManager{
		store:    st,
		registry: reg,
		logger:   logger.With().Str("component", "job_manager").Logger(),
		now:      o.now,
	}
}

// WithRand makes predefined frequencies reproducible.
func (jm *JobManager) WithRand(rng *rand.Rand) *JobManager {
	jm.rng = rng
	return jm
}

// ScheduleFixed stores a schedule first due at start and repeating every
// period. reps of 0 repeats forever.
func (jm *JobManager) ScheduleFixed(ctx context.Context, task, queue registry.Ref, start time.Time, reps int, period time.Duration, makeUp bool) (int64, error) {
	if err := jm.registry.Validate(task, queue); err != nil {
		return 0, err
	}
	rec, err := schedule.NewFixed(task, queue, start, reps, period, makeUp)
	if err != nil {
		return 0, err
	}
	return jm.insert(ctx, rec)
}

// ScheduleCalendar stores a calendar schedule from a field encoding such as
// "o*d*w*h0m30s0" or a frequency name such as DAILY. Unlike decoding at run
// time, a malformed encoding is rejected here.
func (jm *JobManager) ScheduleCalendar(ctx context.Context, task, queue registry.Ref, encoding string, reps int, makeUp bool) (int64, error) {
	if err := jm.registry.Validate(task, queue); err != nil {
		return 0, err
	}
	if _, ok := schedule.Predefined(encoding, nil); !ok {
		if err := schedule.ValidateEncoding(encoding); err != nil {
			return 0, err
		}
	}
	rec, err := schedule.NewCalendar(task, queue, encoding, reps, makeUp, jm.now(), jm.rng)
	if err != nil {
		return 0, err
	}
	return jm.insert(ctx, rec)
}

// ScheduleCron stores a calendar schedule from a cron expression.
func (jm *JobManager) ScheduleCron(ctx context.Context, task, queue registry.Ref, expr string, reps int, makeUp bool) (int64, error) {
	if err := jm.registry.Validate(task, queue); err != nil {
		return 0, err
	}
	fields, err := schedule.FieldsFromCron(expr)
	if err != nil {
		return 0, err
	}
	if reps < 0 {
		return 0, fmt.Errorf("repetitions must not be negative, got %d", reps)
	}
	return jm.insert(ctx, schedule.NewCalendarFromFields(task, queue, fields, reps, makeUp, jm.now()))
}

func (jm *JobManager) insert(ctx context.Context, rec schedule.Record) (int64, error) {
	id, err := jm.store.InsertSchedule(ctx, rec)
	if err != nil {
		return 0, err
	}
	meta := rec.Meta()
	jm.logger.Info().
		Int64("schedule", id).
		Str("kind", string(rec.Kind())).
		Str("task", meta.Task.String()).
		Str("queue", meta.Queue.String()).
		Msg("schedule created")
	return id, nil
}

// Enqueue creates a CREATED instance that any executor serving queue may run.
func (jm *JobManager) Enqueue(ctx context.Context, task, queue registry.Ref) (int64, error) {
	if err := jm.registry.Validate(task, queue); err != nil {
		return 0, err
	}
	return jm.store.InsertInstance(ctx, types.NewInstance(task, queue, nil))
}

// PostRequest asks the executor running an instance to stop, kill, pause,
// resume or reload it.
func (jm *JobManager) PostRequest(ctx context.Context, instanceID int64, req state.Request) error {
	if _, ok := state.ParseRequest(req.String()); !ok {
		return fmt.Errorf("unknown request %d", req)
	}
	if err := jm.store.PostRequest(ctx, instanceID, req); err != nil {
		return fmt.Errorf("post %s to instance %d: %w", req, instanceID, err)
	}
	return nil
}

func (jm *JobManager) Schedule(ctx context.Context, id int64) (schedule.Record, error) {
	return jm.store.FindSchedule(ctx, id)
}

func (jm *JobManager) Instance(ctx context.Context, id int64) (*types.Instance, error) {
	return jm.store.FindInstance(ctx, id)
}

// Instances pages through instances in a status group (active, running,
// succeeded, failed, final) or a single status name. An empty group lists all.
func (jm *JobManager) Instances(ctx context.Context, page, pageSize int, group string) (*types.PaginationResult[types.Instance], error) {
	var statuses []state.Status
	if group != "" {
		statuses = state.Group(group)
		if statuses == nil {
			s, ok := state.ParseStatus(group)
			if !ok {
				return nil, fmt.Errorf("unknown status group %q", group)
			}
			statuses = []state.Status{s}
		}
	}
	return jm.store.ListInstances(ctx, page, pageSize, statuses)
}

func (jm *JobManager) Counts(ctx context.Context) (map[state.Status]int, error) {
	return jm.store.CountAllInstancesGroupedByStatus(ctx)
}

// Preview lists the next n occurrences of a calendar encoding after from.
func (jm *JobManager) Preview(encoding string, from time.Time, n int) []time.Time {
	if enc, ok := schedule.Predefined(encoding, jm.rng); ok {
		encoding = enc
	}
	cal := schedule.NewCalendarFromFields(registry.Ref{}, registry.Ref{}, schedule.Decode(encoding), 0, false, from)
	return upcoming(cal, from, n)
}

func upcoming(s cron.Schedule, from time.Time, n int) []time.Time {
	var out []time.Time
	t := from
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// ScheduleLocal runs fn inside this process whenever the calendar encoding
// matches. Nothing is stored; the timer lives until StopLocal.
func (jm *JobManager) ScheduleLocal(encoding string, fn func()) (cron.EntryID, error) {
	if err := schedule.ValidateEncoding(encoding); err != nil {
		return 0, err
	}
	jm.localOnce.Do(func() {
		jm.local = cron.New(cron.WithLocation(time.UTC))
		jm.local.Start()
	})
	cal := schedule.NewCalendarFromFields(registry.Ref{}, registry.Ref{}, schedule.Decode(encoding), 0, false, jm.now())
	return jm.local.Schedule(cal, cron.FuncJob(fn)), nil
}

// StopLocal stops the in-process timers; the returned context is done once
// running callbacks have returned.
func (jm *JobManager) StopLocal() context.Context {
	if jm.local == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return jm.local.Stop()
}
