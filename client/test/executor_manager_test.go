package test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/gofleet/client"
	"github.com/RezaEskandarii/gofleet/internal/lock"
	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store/memory"
	"github.com/RezaEskandarii/gofleet/types"
	"github.com/RezaEskandarii/gofleet/types/config"
)

type executorFixture struct {
	store    *memory.MemoryStore
	jobs     *client.JobManager
	executor *client.ExecutorManager
	cancel   context.CancelFunc
	done     chan error
}

func startExecutor(t *testing.T, opts ...config.ContainerOption) *executorFixture {
	t.Helper()
	reg := newTestRegistry(t)
	f := &executorFixture{store: memory.NewMemoryStore(), done: make(chan error, 1)}
	f.jobs = client.NewJobManager(f.store, reg, zerolog.Nop())
	f.executor = client.NewExecutorManager(f.store, lock.NewLocalLockManager(), reg, newTestConfig(t, "exec-a", opts...), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.executor.Start(ctx) }()
	t.Cleanup(func() { f.stop(t) })
	return f
}

func (f *executorFixture) stop(t *testing.T) {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.cancel = nil
	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not stop")
	}
}

func (f *executorFixture) enqueue(t *testing.T, task, queue registry.Ref) int64 {
	t.Helper()
	id, err := f.jobs.Enqueue(context.Background(), task, queue)
	require.NoError(t, err)
	return id
}

func (f *executorFixture) waitFor(t *testing.T, id int64, want state.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := f.jobs.Instance(context.Background(), id)
		return err == nil && inst.Status == want
	}, 2*time.Second, 5*time.Millisecond, "instance %d never reached %s", id, want)
}

func TestExecutorManager_MapsOutcomesToStatuses(t *testing.T) {
	f := startExecutor(t)

	ok := f.enqueue(t, reportTask, defaultQueue)
	failed := f.enqueue(t, failTask, defaultQueue)
	errored := f.enqueue(t, errorTask, defaultQueue)
	timedOut := f.enqueue(t, slowTask, defaultQueue)

	f.waitFor(t, ok, state.StatusSuccess)
	f.waitFor(t, failed, state.StatusFailure)
	f.waitFor(t, errored, state.StatusError)
	f.waitFor(t, timedOut, state.StatusTimedOut)

	inst, err := f.jobs.Instance(context.Background(), failed)
	require.NoError(t, err)
	require.NotNil(t, inst.LastError)
	assert.Contains(t, *inst.LastError, "report was empty")
	require.NotNil(t, inst.Executor)
	assert.Equal(t, "exec-a", *inst.Executor)
	assert.NotNil(t, inst.StartedAt)
	assert.NotNil(t, inst.EndedAt)

	inst, err = f.jobs.Instance(context.Background(), ok)
	require.NoError(t, err)
	assert.Nil(t, inst.LastError)
}

func TestExecutorManager_UnknownTaskErrors(t *testing.T) {
	f := startExecutor(t)
	id, err := f.store.InsertInstance(context.Background(), types.NewInstance(registry.Ref{Type: "gone", ID: 1}, defaultQueue, nil))
	require.NoError(t, err)

	f.waitFor(t, id, state.StatusError)
}

func TestExecutorManager_StopAndKillRequests(t *testing.T) {
	f := startExecutor(t)
	ctx := context.Background()

	stopped := f.enqueue(t, blockTask, defaultQueue)
	killed := f.enqueue(t, blockTask, defaultQueue)
	f.waitFor(t, stopped, state.StatusRunning)
	f.waitFor(t, killed, state.StatusRunning)

	require.NoError(t, f.jobs.PostRequest(ctx, stopped, state.RequestStop))
	require.NoError(t, f.jobs.PostRequest(ctx, killed, state.RequestKill))

	f.waitFor(t, stopped, state.StatusEnded)
	f.waitFor(t, killed, state.StatusKilled)

	inst, err := f.jobs.Instance(ctx, stopped)
	require.NoError(t, err)
	assert.Nil(t, inst.Request)
}

func TestExecutorManager_PauseAndResume(t *testing.T) {
	f := startExecutor(t)
	ctx := context.Background()

	id := f.enqueue(t, blockTask, defaultQueue)
	f.waitFor(t, id, state.StatusRunning)

	require.NoError(t, f.jobs.PostRequest(ctx, id, state.RequestPause))
	f.waitFor(t, id, state.StatusPaused)

	require.NoError(t, f.jobs.PostRequest(ctx, id, state.RequestResume))
	f.waitFor(t, id, state.StatusRunning)

	require.NoError(t, f.jobs.PostRequest(ctx, id, state.RequestReload))
	require.Eventually(t, func() bool {
		inst, err := f.jobs.Instance(ctx, id)
		return err == nil && inst.Request == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecutorManager_RespectsConcurrencyLimit(t *testing.T) {
	f := startExecutor(t, config.WithConcurrencyLimit(2))
	ctx := context.Background()

	ids := make([]int64, 5)
	for i := range ids {
		ids[i] = f.enqueue(t, blockTask, defaultQueue)
	}

	require.Eventually(t, func() bool {
		counts, err := f.jobs.Counts(ctx)
		return err == nil && counts[state.StatusRunning] == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Several more polls must not start anything else.
	time.Sleep(50 * time.Millisecond)
	counts, err := f.jobs.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[state.StatusRunning])
	assert.Equal(t, 3, counts[state.StatusCreated])
	assert.Equal(t, 2, f.executor.Running())

	// Freeing a slot lets the next instance in.
	running, err := f.jobs.Instances(ctx, 1, 10, "running")
	require.NoError(t, err)
	require.Len(t, running.Items, 2)
	require.NoError(t, f.jobs.PostRequest(ctx, running.Items[0].ID, state.RequestStop))

	require.Eventually(t, func() bool {
		counts, err := f.jobs.Counts(ctx)
		return err == nil && counts[state.StatusRunning] == 2 && counts[state.StatusCreated] == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecutorManager_ServesOnlyItsQueues(t *testing.T) {
	f := startExecutor(t, config.WithQueues(otherQueue))

	skipped := f.enqueue(t, reportTask, defaultQueue)
	served := f.enqueue(t, reportTask, otherQueue)

	f.waitFor(t, served, state.StatusSuccess)
	inst, err := f.jobs.Instance(context.Background(), skipped)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCreated, inst.Status)
}

func TestExecutorManager_ShutdownInterruptsRunning(t *testing.T) {
	f := startExecutor(t)

	id := f.enqueue(t, blockTask, defaultQueue)
	f.waitFor(t, id, state.StatusRunning)

	f.stop(t)

	inst, err := f.jobs.Instance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInterrupted, inst.Status)
	assert.Equal(t, 0, f.executor.Running())

	hb, err := f.store.FindHeartbeat(context.Background(), "exec-a")
	require.NoError(t, err)
	assert.False(t, hb.Active)
}
