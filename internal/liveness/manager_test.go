package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/gofleet/internal/constants"
	"github.com/RezaEskandarii/gofleet/internal/lock"
	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store/memory"
	"github.com/RezaEskandarii/gofleet/types"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newManager(st *memory.MemoryStore, locks lock.DistributedLockManager, process string) *Manager {
	cfg := Config{
		Process:          process,
		Role:             types.RoleScheduler,
		PollPeriod:       5 * time.Second,
		HeartbeatTimeout: 23 * time.Second,
		BatchLimit:       100,
	}
	return NewManager(st, locks, cfg, zerolog.Nop(), WithClock(clock))
}

func insertRecord(t *testing.T, st *memory.MemoryStore) schedule.Record {
	t.Helper()
	rec, err := schedule.NewFixed(registry.Ref{Type: "t", ID: 1}, registry.Ref{Type: "q", ID: 1}, now, 0, time.Minute, false)
	require.NoError(t, err)
	_, err = st.InsertSchedule(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestManager_CutoffUsesLargerGrace(t *testing.T) {
	m := newManager(memory.NewMemoryStore(), lock.NewLocalLockManager(), "a")
	assert.Equal(t, now.Add(-23*time.Second), m.Cutoff())

	m.cfg.PollPeriod = 30 * time.Second
	assert.Equal(t, now.Add(-45*time.Second), m.Cutoff())
}

func TestManager_OrphanedAroundHeartbeatTimeout(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStore()
	m := newManager(st, lock.NewLocalLockManager(), "observer")

	dead := insertRecord(t, st)
	alive := insertRecord(t, st)
	_, err := st.Claim(ctx, dead.Meta().ID, nil, "dead", time.Time{})
	require.NoError(t, err)
	_, err = st.Claim(ctx, alive.Meta().ID, nil, "alive", time.Time{})
	require.NoError(t, err)

	require.NoError(t, st.Beat(ctx, "dead", types.RoleScheduler, now.Add(-24*time.Second)))
	require.NoError(t, st.Beat(ctx, "alive", types.RoleScheduler, now.Add(-22*time.Second)))

	orphaned, err := m.Orphaned(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, dead.Meta().ID, orphaned[0].Meta().ID)
}

func TestManager_ClaimExclusiveAcrossSchedulers(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStore()
	rec := insertRecord(t, st)

	a := newManager(st, lock.NewLocalLockManager(), "a")
	b := newManager(st, lock.NewLocalLockManager(), "b")

	unclaimedA, err := a.Unclaimed(ctx)
	require.NoError(t, err)
	unclaimedB, err := b.Unclaimed(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]schedule.Record, 2)
	for i, pair := range []struct {
		m    *Manager
		recs []schedule.Record
	}{{a, unclaimedA}, {b, unclaimedB}} {
		wg.Add(1)
		go func(i int, m *Manager, recs []schedule.Record) {
			defer wg.Done()
			claimed, err := m.Claim(ctx, recs)
			assert.NoError(t, err)
			results[i] = claimed
		}(i, pair.m, pair.recs)
	}
	wg.Wait()

	assert.Equal(t, 1, len(results[0])+len(results[1]))

	stored, err := st.FindSchedule(ctx, rec.Meta().ID)
	require.NoError(t, err)
	winner := "a"
	if len(results[1]) == 1 {
		winner = "b"
	}
	assert.True(t, stored.Meta().OwnedBy(winner))
}

func TestManager_ClaimFromLiveOwnerFails(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStore()
	rec := insertRecord(t, st)
	a := newManager(st, lock.NewLocalLockManager(), "a")
	b := newManager(st, lock.NewLocalLockManager(), "b")

	stale, err := b.Unclaimed(ctx)
	require.NoError(t, err)

	claimed, err := a.Claim(ctx, stale)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, claimed[0].Meta().OwnedBy("a"))

	claimed, err = b.Claim(ctx, stale)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	stored, err := st.FindSchedule(ctx, rec.Meta().ID)
	require.NoError(t, err)
	assert.True(t, stored.Meta().OwnedBy("a"))
}

func TestManager_ClaimTakesOverOrphans(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStore()
	rec := insertRecord(t, st)
	_, err := st.Claim(ctx, rec.Meta().ID, nil, "dead", time.Time{})
	require.NoError(t, err)

	m := newManager(st, lock.NewLocalLockManager(), "a")
	orphans, err := m.Orphaned(ctx)
	require.NoError(t, err)

	claimed, err := m.Claim(ctx, orphans)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	owned, err := st.Owned(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, claimed[0].Meta().Version, owned[0].Meta().Version)
}

func TestManager_BeatAndReleaseAll(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStore()
	m := newManager(st, lock.NewLocalLockManager(), "a")

	require.NoError(t, m.Beat(ctx))
	require.NoError(t, m.Beat(ctx))
	hb, err := st.FindHeartbeat(ctx, "a")
	require.NoError(t, err)
	assert.True(t, hb.Active)
	assert.Equal(t, now, hb.LastBeat)

	for i := 0; i < 2; i++ {
		rec := insertRecord(t, st)
		_, err := m.Claim(ctx, []schedule.Record{rec})
		require.NoError(t, err)
	}
	single := insertRecord(t, st)
	claimed, err := m.Claim(ctx, []schedule.Record{single})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, claimed[0]))
	assert.Nil(t, claimed[0].Meta().Owner)

	n, err := m.ReleaseAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	hb, err = st.FindHeartbeat(ctx, "a")
	require.NoError(t, err)
	assert.False(t, hb.Active)
}

func TestManager_Reap(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStore()
	m := newManager(st, lock.NewLocalLockManager(), "a")

	rec := insertRecord(t, st)
	_, err := st.Claim(ctx, rec.Meta().ID, nil, "dead-scheduler", time.Time{})
	require.NoError(t, err)
	require.NoError(t, st.Beat(ctx, "dead-scheduler", types.RoleScheduler, now.Add(-time.Minute)))
	require.NoError(t, st.Beat(ctx, "dead-executor", types.RoleExecutor, now.Add(-time.Minute)))
	require.NoError(t, st.Beat(ctx, "live-executor", types.RoleExecutor, now))

	deadRun := types.NewInstance(rec.Meta().Task, rec.Meta().Queue, nil)
	_, err = st.InsertInstance(ctx, deadRun)
	require.NoError(t, err)
	_, err = st.Start(ctx, deadRun.ID, "dead-executor")
	require.NoError(t, err)

	liveRun := types.NewInstance(rec.Meta().Task, rec.Meta().Queue, nil)
	_, err = st.InsertInstance(ctx, liveRun)
	require.NoError(t, err)
	_, err = st.Start(ctx, liveRun.ID, "live-executor")
	require.NoError(t, err)

	result, err := m.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{Released: 1, Schedulers: 1, Executors: 1, Interrupted: 1}, result)

	stored, err := st.FindSchedule(ctx, rec.Meta().ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Meta().Owner)

	got, err := st.FindInstance(ctx, deadRun.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInterrupted, got.Status)
	got, err = st.FindInstance(ctx, liveRun.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, got.Status)

	again, err := m.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReapResult{}, again)
}

func TestManager_ReapSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	locks := lock.NewLocalLockManager()
	require.NoError(t, locks.Acquire(ctx, constants.ReaperLock))

	m := newManager(memory.NewMemoryStore(), locks, "a")
	result, err := m.Reap(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestManager_ReapCombinedProcess(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStore()
	m := newManager(st, lock.NewLocalLockManager(), "a")

	rec := insertRecord(t, st)
	_, err := st.Claim(ctx, rec.Meta().ID, nil, "node-1", time.Time{})
	require.NoError(t, err)
	require.NoError(t, st.Beat(ctx, "node-1", types.RoleScheduler, now.Add(-time.Minute)))
	require.NoError(t, st.Beat(ctx, "node-1", types.RoleExecutor, now.Add(-time.Minute)))

	run := types.NewInstance(rec.Meta().Task, rec.Meta().Queue, nil)
	_, err = st.InsertInstance(ctx, run)
	require.NoError(t, err)
	_, err = st.Start(ctx, run.ID, "node-1")
	require.NoError(t, err)

	result, err := m.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 1, result.Executors)
	assert.Equal(t, int64(1), result.Interrupted)

	got, err := st.FindInstance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusInterrupted, got.Status)

	hb, err := st.FindHeartbeat(ctx, "node-1")
	require.NoError(t, err)
	assert.False(t, hb.Active)
}

func TestManager_ClaimSkipsOwnerThatBeatAgain(t *testing.T) {
	ctx := context.Background()
	st := memory.NewMemoryStore()
	rec := insertRecord(t, st)
	_, err := st.Claim(ctx, rec.Meta().ID, nil, "slow", time.Time{})
	require.NoError(t, err)
	require.NoError(t, st.Beat(ctx, "slow", types.RoleScheduler, now.Add(-time.Minute)))

	m := newManager(st, lock.NewLocalLockManager(), "a")
	orphans, err := m.Orphaned(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	require.NoError(t, st.Beat(ctx, "slow", types.RoleScheduler, now))

	claimed, err := m.Claim(ctx, orphans)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	stored, err := st.FindSchedule(ctx, rec.Meta().ID)
	require.NoError(t, err)
	assert.True(t, stored.Meta().OwnedBy("slow"))
}
