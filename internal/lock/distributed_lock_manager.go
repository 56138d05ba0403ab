package lock

import "context"

type DistributedLockManager interface {
	// Acquire blocks until lockID is held or ctx is done.
	Acquire(ctx context.Context, lockID int) error
	// TryAcquire takes lockID if it is free and reports whether it did.
	TryAcquire(ctx context.Context, lockID int) (bool, error)
	Release(ctx context.Context, lockID int) error
}
