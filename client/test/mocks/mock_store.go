package mocks

import (
	"context"

	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/internal/store"
	"github.com/RezaEskandarii/gofleet/types"
)

// MockStore delegates to an embedded store.Store unless a func override is set.
type MockStore struct {
	store.Store

	InsertScheduleFunc func(ctx context.Context, rec schedule.Record) (int64, error)
	DispatchFunc       func(ctx context.Context, rec schedule.Record, owner string, inst *types.Instance) (bool, error)
	InsertInstanceFunc func(ctx context.Context, inst *types.Instance) (int64, error)
	PostRequestFunc    func(ctx context.Context, id int64, req state.Request) error
}

func (m *MockStore) InsertSchedule(ctx context.Context, rec schedule.Record) (int64, error) {
	if m.InsertScheduleFunc != nil {
		return m.InsertScheduleFunc(ctx, rec)
	}
	return m.Store.InsertSchedule(ctx, rec)
}

func (m *MockStore) Dispatch(ctx context.Context, rec schedule.Record, owner string, inst *types.Instance) (bool, error) {
	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, rec, owner, inst)
	}
	return m.Store.Dispatch(ctx, rec, owner, inst)
}

func (m *MockStore) InsertInstance(ctx context.Context, inst *types.Instance) (int64, error) {
	if m.InsertInstanceFunc != nil {
		return m.InsertInstanceFunc(ctx, inst)
	}
	return m.Store.InsertInstance(ctx, inst)
}

func (m *MockStore) PostRequest(ctx context.Context, id int64, req state.Request) error {
	if m.PostRequestFunc != nil {
		return m.PostRequestFunc(ctx, id, req)
	}
	return m.Store.PostRequest(ctx, id, req)
}
