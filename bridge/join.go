package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/wippyai/opbridge/errors"
)

// JoinError reports a spawned unit that did not produce a result: it either
// panicked or was aborted first.
type JoinError struct {
	Panic     any
	Cause     error
	Stack     []byte
	Cancelled bool
}

func (e *JoinError) Error() string {
	if e.Cancelled {
		if e.Cause != nil {
			return "task cancelled: " + e.Cause.Error()
		}
		return "task cancelled"
	}
	return fmt.Sprintf("task panicked: %v", e.Panic)
}

func (e *JoinError) Unwrap() error { return e.Cause }

// ErrorClass maps join failures onto the guest-facing class.
func (e *JoinError) ErrorClass() string { return errors.ClassJoin }

// IsPanic reports whether the unit panicked.
func (e *JoinError) IsPanic() bool { return !e.Cancelled }

// JoinHandle is the awaitable result of a spawned unit.
type JoinHandle[T any] struct {
	value   T
	err     error
	cancel  context.CancelFunc
	done    chan struct{}
	aborted atomic.Bool
	once    sync.Once
}

func newHandle[T any](parent context.Context) (*JoinHandle[T], context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &JoinHandle[T]{cancel: cancel, done: make(chan struct{})}, ctx
}

// Wait blocks until the unit finishes or ctx ends.
func (h *JoinHandle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed when the unit has finished.
func (h *JoinHandle[T]) Done() <-chan struct{} { return h.done }

// Result returns the outcome of a finished unit. Call only after Done.
func (h *JoinHandle[T]) Result() (T, error) {
	<-h.done
	return h.value, h.err
}

// Abort cancels the unit's context. The unit stops at its next cooperative
// check; a unit that has already finished is unaffected.
func (h *JoinHandle[T]) Abort() {
	h.aborted.Store(true)
	h.cancel()
}

func (h *JoinHandle[T]) finish(v T, err error) {
	h.once.Do(func() {
		if h.aborted.Load() {
			var zero T
			h.value, h.err = zero, &JoinError{Cancelled: true, Cause: err}
		} else {
			h.value, h.err = v, err
		}
		h.cancel()
		close(h.done)
	})
}

// run executes fn, turning a panic into a JoinError.
func (h *JoinHandle[T]) run(ctx context.Context, fn func(context.Context) (T, error)) {
	var (
		v        T
		err      error
		finished bool
	)
	defer func() {
		if !finished {
			r := recover()
			var zero T
			h.once.Do(func() {
				h.value, h.err = zero, &JoinError{Panic: r, Stack: debug.Stack()}
				h.cancel()
				close(h.done)
			})
		}
	}()
	v, err = fn(ctx)
	finished = true
	h.finish(v, err)
}

func (h *JoinHandle[T]) cancelled() {
	var zero T
	h.aborted.Store(true)
	h.finish(zero, nil)
}

// SpawnLocal runs fn on the owner goroutine. fn may touch engine-bound
// values; it must not block the owner for long.
func SpawnLocal[T any](ctx context.Context, o *Owner, fn func(ctx context.Context) (T, error)) *JoinHandle[T] {
	h, uctx := newHandle[T](ctx)
	posted := o.Post(func(context.Context) {
		if uctx.Err() != nil {
			h.cancelled()
			return
		}
		h.run(context.WithValue(uctx, ownerKey{}, o), fn)
	})
	if !posted {
		var zero T
		h.aborted.Store(true)
		h.finish(zero, ErrStopped)
	}
	return h
}

// Go runs fn on its own goroutine.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *JoinHandle[T] {
	h, uctx := newHandle[T](ctx)
	go h.run(uctx, fn)
	return h
}

// Ready returns a handle that has already finished with v and err.
func Ready[T any](v T, err error) *JoinHandle[T] {
	h, _ := newHandle[T](context.Background())
	h.finish(v, err)
	return h
}
