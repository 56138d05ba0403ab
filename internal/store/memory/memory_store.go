// Package memory is a single-process Store used by tests and local runs.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
)

type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	schedules  map[int64]schedule.Record
	instances  map[int64]*types.Instance
	heartbeats map[string]*types.Heartbeat
	nextID     int64
}

var _ store.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        func() time.Time { return time.Now().UTC() },
		schedules:  make(map[int64]schedule.Record),
		instances:  make(map[int64]*types.Instance),
		heartbeats: make(map[string]*types.Heartbeat),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) InsertSchedule(ctx context.Context, rec schedule.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := rec.Meta()
	meta.ID = s.id()
	meta.Version = 1
	meta.CreatedAt = s.now()
	s.schedules[meta.ID] = schedule.Clone(rec)
	return meta.ID, nil
}

func (s *MemoryStore) FindSchedule(ctx context.Context, id int64) (schedule.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return schedule.Clone(rec), nil
}

func (s *MemoryStore) selectSchedules(limit int, keep func(schedule.Record) bool) []schedule.Record {
	ids := make([]int64, 0, len(s.schedules))
	for id, rec := range s.schedules {
		if keep(rec) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]schedule.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, schedule.Clone(s.schedules[id]))
	}
	return out
}

func (s *MemoryStore) Unclaimed(ctx context.Context, limit int) ([]schedule.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectSchedules(limit, func(rec schedule.Record) bool {
		return rec.Meta().Owner == nil && !rec.Finished()
	}), nil
}

func (s *MemoryStore) Orphaned(ctx context.Context, cutoff time.Time, limit int) ([]schedule.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectSchedules(limit, func(rec schedule.Record) bool {
		owner := rec.Meta().Owner
		if owner == nil || rec.Finished() {
			return false
		}
		hb, ok := s.heartbeats[*owner]
		return !ok || !hb.Alive(cutoff)
	}), nil
}

func (s *MemoryStore) Owned(ctx context.Context, owner string, limit int) ([]schedule.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectSchedules(limit, func(rec schedule.Record) bool {
		return rec.Meta().OwnedBy(owner)
	}), nil
}

func (s *MemoryStore) Claim(ctx context.Context, id int64, expected *string, owner string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.schedules[id]
	if !ok {
		return false, store.ErrNotFound
	}
	meta := rec.Meta()
	if !sameOwner(meta.Owner, expected) {
		return false, nil
	}
	if expected != nil {
		if hb, ok := s.heartbeats[*expected]; ok && hb.Alive(cutoff) {
			return false, nil
		}
	}
	o := owner
	meta.Owner = &o
	meta.Version++
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, id int64, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.schedules[id]
	if !ok {
		return false, store.ErrNotFound
	}
	meta := rec.Meta()
	if !meta.OwnedBy(owner) {
		return false, nil
	}
	meta.Owner = nil
	meta.Version++
	return true, nil
}

func (s *MemoryStore) ReleaseAll(ctx context.Context, owner string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	for _, rec := range s.schedules {
		meta := rec.Meta()
		if meta.OwnedBy(owner) {
			meta.Owner = nil
			meta.Version++
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) Dispatch(ctx context.Context, rec schedule.Record, owner string, inst *types.Instance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := rec.Meta()
	current, ok := s.schedules[meta.ID]
	if !ok {
		return false, store.ErrNotFound
	}
	if !current.Meta().OwnedBy(owner) || current.Meta().Version != meta.Version {
		return false, nil
	}

	meta.Version++
	s.schedules[meta.ID] = schedule.Clone(rec)

	cp := *inst
	cp.ID = s.id()
	cp.CreatedAt = s.now()
	s.instances[cp.ID] = &cp
	inst.ID = cp.ID
	inst.CreatedAt = cp.CreatedAt
	return true, nil
}

func (s *MemoryStore) InsertInstance(ctx context.Context, inst *types.Instance) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	cp.ID = s.id()
	cp.CreatedAt = s.now()
	s.instances[cp.ID] = &cp
	inst.ID = cp.ID
	inst.CreatedAt = cp.CreatedAt
	return cp.ID, nil
}

func (s *MemoryStore) FindInstance(ctx context.Context, id int64) (*types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) selectInstances(keep func(*types.Instance) bool) []types.Instance {
	out := make([]types.Instance, 0)
	for _, inst := range s.instances {
		if keep(inst) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) FetchCreated(ctx context.Context, queues []registry.Ref, limit int) ([]types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.selectInstances(func(inst *types.Instance) bool {
		if inst.Status != state.StatusCreated {
			return false
		}
		if len(queues) == 0 {
			return true
		}
		for _, q := range queues {
			if q == inst.Queue {
				return true
			}
		}
		return false
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Start(ctx context.Context, id int64, executor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if inst.Status != state.StatusCreated {
		return false, nil
	}
	now := s.now()
	e := executor
	inst.Status = state.StatusRunning
	inst.Executor = &e
	inst.StartedAt = &now
	return true, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id int64, from, to state.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if inst.Status != from {
		return false, nil
	}
	inst.Status = to
	return true, nil
}

func (s *MemoryStore) Finish(ctx context.Context, id int64, status state.Status, lastError *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if state.IsFinal(inst.Status) {
		return false, nil
	}
	now := s.now()
	inst.Status = status
	inst.EndedAt = &now
	inst.LastError = lastError
	inst.Request = nil
	return true, nil
}

func (s *MemoryStore) PostRequest(ctx context.Context, id int64, req state.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	if state.IsFinal(inst.Status) {
		return store.ErrFinal
	}
	r := req
	inst.Request = &r
	return nil
}

func (s *MemoryStore) PendingRequests(ctx context.Context, executor string) ([]types.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectInstances(func(inst *types.Instance) bool {
		return inst.Request != nil &&
			inst.Executor != nil && *inst.Executor == executor &&
			!state.IsFinal(inst.Status)
	}), nil
}

func (s *MemoryStore) ClearRequest(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return store.ErrNotFound
	}
	inst.Request = nil
	return nil
}

func (s *MemoryStore) InterruptRunning(ctx context.Context, executor string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	msg := "executor presumed dead"
	for _, inst := range s.instances {
		if inst.Executor == nil || *inst.Executor != executor || state.IsFinal(inst.Status) {
			continue
		}
		inst.Status = state.StatusInterrupted
		inst.EndedAt = &now
		inst.LastError = &msg
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, page, pageSize int, statuses []state.Status) (*types.PaginationResult[types.Instance], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	all := s.selectInstances(func(inst *types.Instance) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if inst.Status == st {
				return true
			}
		}
		return false
	})

	start := min((page-1)*pageSize, len(all))
	end := min(start+pageSize, len(all))
	totalPages := int(math.Ceil(float64(len(all)) / float64(pageSize)))
	return &types.PaginationResult[types.Instance]{
		Items:           all[start:end],
		TotalItems:      len(all),
		Page:            page,
		PageSize:        pageSize,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}, nil
}

func (s *MemoryStore) CountAllInstancesGroupedByStatus(ctx context.Context) (map[state.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[state.Status]int, len(state.AllStatuses))
	for _, st := range state.AllStatuses {
		result[st] = 0
	}
	for _, inst := range s.instances {
		result[inst.Status]++
	}
	return result, nil
}

func (s *MemoryStore) Beat(ctx context.Context, process string, role types.Role, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, ok := s.heartbeats[process]
	if !ok {
		s.heartbeats[process] = &types.Heartbeat{Process: process, Role: role, LastBeat: at, Active: true, StartedAt: at}
		return nil
	}
	hb.Role = hb.Role.Merge(role)
	hb.LastBeat = at
	hb.Active = true
	return nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, process string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, ok := s.heartbeats[process]
	if !ok {
		return store.ErrNotFound
	}
	hb.Active = false
	return nil
}

func (s *MemoryStore) FindHeartbeat(ctx context.Context, process string) (*types.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, ok := s.heartbeats[process]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *hb
	return &cp, nil
}

func (s *MemoryStore) Stale(ctx context.Context, role types.Role, cutoff time.Time) ([]types.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Heartbeat
	for _, hb := range s.heartbeats {
		if hb.Role.Covers(role) && hb.Active && hb.LastBeat.Before(cutoff) {
			out = append(out, *hb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Process < out[j].Process })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sameOwner(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
