package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a stopped Owner.
var ErrStopped = stderrors.New("owner stopped")

type ownerKey struct{}

// Owner is the goroutine that owns the guest engine. Closures submitted to
// it run one at a time in submission order.
type Owner struct {
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	done    chan struct{}
	queue   []func(context.Context)
	mu      sync.Mutex
	stopped bool
}

// OwnerOption configures an Owner.
type OwnerOption func(*Owner)

// WithOwnerLogger sets the logger used to report panics in posted work.
func WithOwnerLogger(l *zap.Logger) OwnerOption {
	return func(o *Owner) { o.logger = l }
}

// NewOwner starts the owner goroutine.
func NewOwner(opts ...OwnerOption) *Owner {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Owner{
		logger: zap.NewNop(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.ctx = context.WithValue(ctx, ownerKey{}, o)
	go o.loop()
	return o
}

// OnOwner reports whether ctx was handed out by this owner, i.e. whether the
// caller is running on the owner goroutine.
func (o *Owner) OnOwner(ctx context.Context) bool {
	v, _ := ctx.Value(ownerKey{}).(*Owner)
	return v == o
}

// Post schedules fn for the owner's next turn. It never blocks. It returns
// false if the owner has stopped and fn will not run.
func (o *Owner) Post(fn func(ctx context.Context)) bool {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, fn)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the owner and waits for it. When called from the owner
// itself fn runs inline. A panic in fn is re-raised in the caller.
func (o *Owner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if o.OnOwner(ctx) {
		return fn(ctx)
	}

	type outcome struct {
		err   error
		panic any
	}
	ch := make(chan outcome, 1)
	posted := o.Post(func(octx context.Context) {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out.panic = r
			}
			ch <- out
		}()
		out.err = fn(octx)
	})
	if !posted {
		return ErrStopped
	}

	select {
	case out := <-ch:
		if out.panic != nil {
			panic(out.panic)
		}
		return out.err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		// the closure may have completed just before shutdown
		select {
		case out := <-ch:
			if out.panic != nil {
				panic(out.panic)
			}
			return out.err
		default:
			return ErrStopped
		}
	}
}

// Stop ends the owner loop after the running closure returns. Queued
// closures that have not started are dropped.
func (o *Owner) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.stopped = true
	o.queue = nil
	o.mu.Unlock()

	o.cancel()
	<-o.done
}

// Done is closed once the owner goroutine has exited.
func (o *Owner) Done() <-chan struct{} { return o.done }

func (o *Owner) loop() {
	defer close(o.done)
	for {
		select {
		case <-o.wake:
		case <-o.ctx.Done():
			return
		}
		for {
			o.mu.Lock()
			if o.stopped || len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			fn := o.queue[0]
			o.queue[0] = nil
			o.queue = o.queue[1:]
			o.mu.Unlock()

			o.run(fn)
		}
	}
}

func (o *Owner) run(fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in owner task",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn(o.ctx)
}
