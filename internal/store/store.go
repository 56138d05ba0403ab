package store

import (
	"context"
	"errors"
	"time"

	"github.com/RezaEskandarii/gofleet/internal/registry"
	"github.com/RezaEskandarii/gofleet/internal/schedule"
	"github.com/RezaEskandarii/gofleet/internal/state"
	"github.com/RezaEskandarii/gofleet/types"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrFinal is returned when a request is posted to an instance that already ended.
	ErrFinal = errors.New("instance already in a final state")
)

// ScheduleStore persists schedule records and their claims.
type ScheduleStore interface {
	// InsertSchedule stores a new record and sets its ID.
	InsertSchedule(ctx context.Context, rec schedule.Record) (int64, error)

	FindSchedule(ctx context.Context, id int64) (schedule.Record, error)

	// Unclaimed returns unfinished records without an owner.
	Unclaimed(ctx context.Context, limit int) ([]schedule.Record, error)

	// Orphaned returns unfinished records whose owner has not beaten since cutoff,
	// has been deactivated, or never beat at all.
	Orphaned(ctx context.Context, cutoff time.Time, limit int) ([]schedule.Record, error)

	// Owned returns the records currently claimed by owner.
	Owned(ctx context.Context, owner string, limit int) ([]schedule.Record, error)

	// Claim sets the owner of a record to owner, provided its owner is still
	// expected (nil for unclaimed). A non-nil expected owner must also not have
	// beaten since cutoff. It reports false when another process won or the
	// previous owner is alive.
	Claim(ctx context.Context, id int64, expected *string, owner string, cutoff time.Time) (bool, error)

	// Release clears the owner of a record if owner still holds it.
	Release(ctx context.Context, id int64, owner string) (bool, error)

	// ReleaseAll clears every claim held by owner.
	ReleaseAll(ctx context.Context, owner string) (int64, error)

	// Dispatch writes the advanced state of rec and inserts inst atomically. It
	// reports false, writing nothing, when owner no longer holds rec at the
	// version it was read with. On success rec's version and inst's ID are updated.
	Dispatch(ctx context.Context, rec schedule.Record, owner string, inst *types.Instance) (bool, error)
}

// InstanceStore persists task instances.
type InstanceStore interface {
	InsertInstance(ctx context.Context, inst *types.Instance) (int64, error)

	FindInstance(ctx context.Context, id int64) (*types.Instance, error)

	// FetchCreated returns CREATED instances targeting any of queues, or any queue when empty.
	FetchCreated(ctx context.Context, queues []registry.Ref, limit int) ([]types.Instance, error)

	// Start moves a CREATED instance to RUNNING under executor. It reports
	// false when another executor started it first.
	Start(ctx context.Context, id int64, executor string) (bool, error)

	// UpdateStatus moves an instance from one status to another.
	UpdateStatus(ctx context.Context, id int64, from, to state.Status) (bool, error)

	// Finish records a final status unless the instance is already final.
	Finish(ctx context.Context, id int64, status state.Status, lastError *string) (bool, error)

	PostRequest(ctx context.Context, id int64, req state.Request) error

	// PendingRequests returns unfinished instances run by executor that carry a request.
	PendingRequests(ctx context.Context, executor string) ([]types.Instance, error)

	ClearRequest(ctx context.Context, id int64) error

	// InterruptRunning ends every unfinished instance started by executor as INTERRUPTED.
	InterruptRunning(ctx context.Context, executor string) (int64, error)

	ListInstances(ctx context.Context, page, pageSize int, statuses []state.Status) (*types.PaginationResult[types.Instance], error)

	CountAllInstancesGroupedByStatus(ctx context.Context) (map[state.Status]int, error)
}

// HeartbeatStore persists process liveness.
type HeartbeatStore interface {
	// Beat records that process was alive at at and marks it active.
	Beat(ctx context.Context, process string, role types.Role, at time.Time) error

	Deactivate(ctx context.Context, process string) error

	FindHeartbeat(ctx context.Context, process string) (*types.Heartbeat, error)

	// Stale returns active processes of role whose last beat is before cutoff.
	Stale(ctx context.Context, role types.Role, cutoff time.Time) ([]types.Heartbeat, error)
}

// Store is the repository shared by every scheduler and executor process.
type Store interface {
	ScheduleStore
	InstanceStore
	HeartbeatStore

	Close() error
}
