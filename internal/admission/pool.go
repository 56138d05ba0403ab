// Package admission bounds how many task instances one executor runs at once.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const DefaultLimit = 4

type Pool struct {
	sem     *semaphore.Weighted
	limit   int
	running atomic.Int64
	wg      sync.WaitGroup
}

// NewPool returns a pool of limit slots; a non-positive limit uses DefaultLimit.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Pool{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Admit takes a slot without blocking. It reports false when all slots are busy.
func (p *Pool) Admit() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.running.Add(1)
	return true
}

// Release returns a slot taken by Admit. Releasing more than was admitted panics.
func (p *Pool) Release() {
	if p.running.Add(-1) < 0 {
		p.running.Add(1)
		panic("admission: release without matching admit")
	}
	p.sem.Release(1)
}

func (p *Pool) Running() int { return int(p.running.Load()) }

func (p *Pool) Limit() int { return p.limit }

// Go runs fn in its own goroutine if a slot is free. See Run.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context), onPanic func(error)) bool {
	if !p.Admit() {
		return false
	}
	p.Run(ctx, fn, onPanic)
	return true
}

// Run runs fn in its own goroutine on a slot already taken with Admit. The
// slot is returned when fn exits, including by panic; a panic is passed to
// onPanic.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context), onPanic func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.Release()
		defer func() {
			if r := recover(); r != nil && onPanic != nil {
				onPanic(fmt.Errorf("admission: task panicked: %v", r))
			}
		}()
		fn(ctx)
	}()
}

// Wait blocks until every goroutine started by Go or Run has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
