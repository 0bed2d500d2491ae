// Package taskqueue provides a strict FIFO mutual-exclusion primitive for
// host operations that must never interleave, such as appends to a shared
// state file.
//
// Unlike a semaphore, the queue guarantees wake order: when a permit is
// released it is handed directly to the oldest waiter.
package taskqueue

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

// Queue serializes its holders in the order they called Acquire.
type Queue struct {
	waiters list.List
	mu      sync.Mutex
	running bool
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// New creates an idle queue. The zero Queue is also ready to use.
func New() *Queue { return &Queue{} }

// Permit is the guard returned by Acquire. Releasing it hands the queue to
// the next waiter.
type Permit struct {
	q        *Queue
	released atomic.Bool
}

// Release gives up the permit. Extra calls are no-ops.
func (p *Permit) Release() {
	if p.released.CompareAndSwap(false, true) {
		p.q.handoff()
	}
}

// Acquire waits for every earlier acquisition to release, then returns a
// permit. If ctx ends first the caller leaves the line without disturbing
// the order of the others.
func (q *Queue) Acquire(ctx context.Context) (*Permit, error) {
	q.mu.Lock()
	if !q.running && q.waiters.Len() == 0 {
		q.running = true
		q.mu.Unlock()
		return &Permit{q: q}, nil
	}
	w := &waiter{ready: make(chan struct{})}
	el := q.waiters.PushBack(w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return &Permit{q: q}, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	if w.granted {
		// handed the permit while giving up; pass it on
		q.mu.Unlock()
		q.handoff()
		return nil, ctx.Err()
	}
	q.waiters.Remove(el)
	q.mu.Unlock()
	return nil, ctx.Err()
}

// TryAcquire returns a permit only if the queue is idle.
func (q *Queue) TryAcquire() (*Permit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.waiters.Len() > 0 {
		return nil, false
	}
	q.running = true
	return &Permit{q: q}, true
}

// Waiting returns the number of callers blocked in Acquire.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len()
}

func (q *Queue) handoff() {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.waiters.Front()
	if front == nil {
		q.running = false
		return
	}
	w := q.waiters.Remove(front).(*waiter)
	w.granted = true
	close(w.ready)
}

// Run acquires the queue, runs fn and releases, even if fn panics.
func Run[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	p, err := q.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer p.Release()
	return fn(ctx)
}
