package bridge

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs blocking or CPU-heavy closures off the owner goroutine with a
// bounded number of concurrent workers.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
	queued atomic.Int64
}

// NewPool creates a pool with size workers. size <= 0 uses GOMAXPROCS*4.
func NewPool(size int) *Pool {
	n := int64(size)
	if n <= 0 {
		n = int64(runtime.GOMAXPROCS(0) * 4)
	}
	return &Pool{sem: semaphore.NewWeighted(n), size: n}
}

// Size returns the worker limit.
func (p *Pool) Size() int { return int(p.size) }

// Active returns the number of closures currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Queued returns the number of closures waiting for a worker.
func (p *Pool) Queued() int { return int(p.queued.Load()) }

// SpawnBlocking runs fn on the pool. A unit aborted while still waiting for
// a worker never runs.
func SpawnBlocking[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) *JoinHandle[T] {
	h, uctx := newHandle[T](ctx)
	go func() {
		p.queued.Add(1)
		err := p.sem.Acquire(uctx, 1)
		p.queued.Add(-1)
		if err != nil {
			h.cancelled()
			return
		}
		p.active.Add(1)
		defer func() {
			p.active.Add(-1)
			p.sem.Release(1)
		}()
		h.run(uctx, fn)
	}()
	return h
}
