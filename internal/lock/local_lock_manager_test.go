package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockManager_TryAcquireIsExclusive(t *testing.T) {
	mgr := NewLocalLockManager()
	ctx := context.Background()

	ok, err := mgr.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = mgr.TryAcquire(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, mgr.Release(ctx, 1))
	ok, err = mgr.TryAcquire(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLockManager_AcquireHonorsContext(t *testing.T) {
	mgr := NewLocalLockManager()
	require.NoError(t, mgr.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, mgr.Acquire(ctx, 1))
}

func TestLocalLockManager_ReleaseWithoutAcquire(t *testing.T) {
	mgr := NewLocalLockManager()
	assert.ErrorIs(t, mgr.Release(context.Background(), 3), ErrNotHeld)
}
