package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AdmitsExactlyLimit(t *testing.T) {
	p := NewPool(4)

	for i := 0; i < 4; i++ {
		assert.True(t, p.Admit(), "admit %d", i)
	}
	assert.False(t, p.Admit())
	assert.Equal(t, 4, p.Running())

	p.Release()
	assert.True(t, p.Admit())
	assert.False(t, p.Admit())
}

func TestPool_DefaultLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NewPool(0).Limit())
	assert.Equal(t, 2, NewPool(2).Limit())
}

func TestPool_ReleaseWithoutAdmitPanics(t *testing.T) {
	p := NewPool(1)
	assert.Panics(t, p.Release)
	assert.Equal(t, 0, p.Running())
	assert.True(t, p.Admit())
}

func TestPool_ConcurrentAdmitNeverExceedsLimit(t *testing.T) {
	p := NewPool(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Admit() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
}

func TestPool_GoReleasesOnPanic(t *testing.T) {
	p := NewPool(1)
	panicked := make(chan error, 1)

	ok := p.Go(context.Background(), func(ctx context.Context) {
		panic("boom")
	}, func(err error) { panicked <- err })
	require.True(t, ok)

	select {
	case err := <-panicked:
		assert.ErrorContains(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}

	assert.Eventually(t, func() bool { return p.Running() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Admit())
}

func TestPool_GoDeniedWhenFull(t *testing.T) {
	p := NewPool(1)
	require.True(t, p.Admit())

	ran := false
	ok := p.Go(context.Background(), func(ctx context.Context) { ran = true }, nil)
	assert.False(t, ok)
	assert.False(t, ran)
}

func TestPool_RunUsesAdmittedSlot(t *testing.T) {
	p := NewPool(2)
	require.True(t, p.Admit())
	require.True(t, p.Admit())

	var ran atomic.Int32
	p.Run(context.Background(), func(ctx context.Context) { ran.Add(1) }, nil)
	p.Run(context.Background(), func(ctx context.Context) { panic("boom") }, nil)
	p.Wait()

	assert.EqualValues(t, 1, ran.Load())
	assert.Equal(t, 0, p.Running())
	assert.True(t, p.Admit())
	assert.True(t, p.Admit())
}
