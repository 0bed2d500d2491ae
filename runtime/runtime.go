package runtime

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/opbridge/bridge"
	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/ops"
	"github.com/wippyai/opbridge/opstate"
	"github.com/wippyai/opbridge/permissions"
	"github.com/wippyai/opbridge/resource"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = stderrors.New("runtime closed")

// ContextID identifies an engine context. It is stored in the op state.
type ContextID string

// Guest receives completed async results. Deliver runs on the owner
// goroutine; an error ends the event loop.
type Guest interface {
	Deliver(ctx context.Context, results []ops.Result) error
}

// GuestFunc adapts a function to the Guest interface.
type GuestFunc func(ctx context.Context, results []ops.Result) error

func (f GuestFunc) Deliver(ctx context.Context, results []ops.Result) error { return f(ctx, results) }

// Stats counts pending op calls.
type Stats struct {
	Ref       int
	Unref     int
	Completed int
}

type pendingCall struct {
	handle *bridge.JoinHandle[ops.Result]
	unref  bool
}

// Runtime is one engine context.
type Runtime struct {
	pc         *ProcessContext
	logger     *zap.Logger
	owner      *bridge.Owner
	state      *opstate.State
	table      *resource.Table
	perms      *permissions.Container
	dispatcher *ops.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	guest      Guest
	id         ContextID

	mu        sync.Mutex
	pending   map[uint64]*pendingCall
	completed []ops.Result
	seq       uint64
	refs      int
	unrefs    int
	closed    bool
	wake      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Runtime.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	perms permissions.Options
	guest Guest
}

// WithPermissions sets the context's permission options.
func WithPermissions(opts permissions.Options) Option {
	return func(o *runtimeOptions) { o.perms = opts }
}

// WithGuest sets the guest at construction time.
func WithGuest(g Guest) Option {
	return func(o *runtimeOptions) { o.guest = g }
}

// New creates an engine context bound to reg. The op state is populated
// with the resource table, the permission container and the context id
// before the registry's extensions initialize.
func New(pc *ProcessContext, reg *ops.Registry, opts ...Option) (*Runtime, error) {
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := ContextID(uuid.NewString())
	logger := pc.Logger().With(zap.String("context_id", string(id)))

	var arb []permissions.Option
	arb = append(arb, permissions.WithLogger(logger))
	if pc.HasBroker() {
		arb = append(arb, permissions.WithBroker(lazyBroker{pc: pc}))
	}
	if p := pc.Prompter(); p != nil {
		arb = append(arb, permissions.WithPrompter(p))
	}
	perms, err := permissions.NewContainer(o.perms, arb...)
	if err != nil {
		return nil, err
	}

	st := opstate.New()
	table := resource.NewTable()
	opstate.Put(st, table)
	opstate.Put(st, perms)
	opstate.Put(st, id)
	if err := reg.Init(st); err != nil {
		return nil, err
	}

	owner := bridge.NewOwner(bridge.WithOwnerLogger(logger))
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runtime{
		pc:     pc,
		logger: logger,
		owner:  owner,
		state:  st,
		table:  table,
		perms:  perms,
		dispatcher: ops.NewDispatcher(reg,
			ops.WithOwner(owner),
			ops.WithPool(pc.Pool()),
			ops.WithLogger(logger)),
		ctx:     ctx,
		cancel:  cancel,
		guest:   o.guest,
		id:      id,
		pending: make(map[uint64]*pendingCall),
		wake:    make(chan struct{}, 1),
	}
	logger.Debug("engine context created", zap.Int("ops", reg.Len()))
	return r, nil
}

// ID returns the context id.
func (r *Runtime) ID() ContextID { return r.id }

// Owner returns the goroutine that owns the guest.
func (r *Runtime) Owner() *bridge.Owner { return r.owner }

// State returns the context's op state.
func (r *Runtime) State() *opstate.State { return r.state }

// Resources returns the context's resource table. It stays valid, and
// empty, after Close.
func (r *Runtime) Resources() *resource.Table { return r.table }

// Permissions returns the context's permission container.
func (r *Runtime) Permissions() *permissions.Container { return r.perms }

// Dispatcher returns the context's dispatcher.
func (r *Runtime) Dispatcher() *ops.Dispatcher { return r.dispatcher }

// Logger returns the context logger.
func (r *Runtime) Logger() *zap.Logger { return r.logger }

// SetGuest sets the receiver of completed async results.
func (r *Runtime) SetGuest(g Guest) {
	r.mu.Lock()
	r.guest = g
	r.mu.Unlock()
}

// Call dispatches one op call. Sync calls return their result and true.
// Async calls register a pending op call and return false; the result is
// delivered to the Guest later.
func (r *Runtime) Call(ctx context.Context, call ops.Call) (ops.Result, bool) {
	if !call.Mode.IsAsync() {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return r.closedResult(call), true
		}
		return r.dispatcher.Sync(ctx, r.state, call), true
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.closedResult(call), true
	}
	r.seq++
	key := r.seq
	unref := call.Mode == ops.ModeAsyncUnref
	h := r.dispatcher.Async(r.ctx, r.state, call)
	r.pending[key] = &pendingCall{handle: h, unref: unref}
	if unref {
		r.unrefs++
	} else {
		r.refs++
	}
	r.mu.Unlock()

	go func() {
		<-h.Done()
		res, err := h.Result()
		r.complete(key, r.dispatcher.Settle(call.PromiseID, res, err))
	}()
	return ops.Result{}, false
}

func (r *Runtime) closedResult(call ops.Call) ops.Result {
	return r.dispatcher.Fail(call.PromiseID, errors.Wrap(errors.PhaseRuntime, errors.KindInterrupted, ErrClosed, "engine context closed"))
}

// Fast dispatches a fast-path call.
func (r *Runtime) Fast(ctx context.Context, name string, a ...int64) (int64, *ops.ErrorPayload) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return 0, r.closedResult(ops.Call{Op: name}).Err
	}
	return r.dispatcher.Fast(ctx, r.state, name, a...)
}

func (r *Runtime) complete(key uint64, res ops.Result) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	if p.unref {
		r.unrefs--
	} else {
		r.refs--
	}
	if !r.closed {
		r.completed = append(r.completed, res)
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stats returns the pending call counts.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Ref: r.refs, Unref: r.unrefs, Completed: len(r.completed)}
}

// RunEventLoop delivers completed results to the guest until no ref'd call
// is pending. Unref'd calls never keep it running. It returns early when
// ctx ends or the guest fails a delivery.
func (r *Runtime) RunEventLoop(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ErrClosed
		}
		batch := r.completed
		r.completed = nil
		refs := r.refs
		guest := r.guest
		r.mu.Unlock()

		if len(batch) > 0 {
			if guest == nil {
				r.logger.Warn("dropping op results, no guest attached", zap.Int("count", len(batch)))
				continue
			}
			err := r.owner.Do(ctx, func(octx context.Context) error {
				return guest.Deliver(octx, batch)
			})
			if err != nil {
				return err
			}
			// delivery may have started new calls
			continue
		}

		if refs == 0 {
			return nil
		}

		select {
		case <-r.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears the context down: ref'd in-flight calls are cancelled and
// waited for until ctx ends, unref'd calls are cancelled and abandoned.
// Then resources and op state are closed and the owner stops.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closeErr = r.close(ctx)
	})
	return r.closeErr
}

func (r *Runtime) close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.completed = nil
	var wait []*bridge.JoinHandle[ops.Result]
	for _, p := range r.pending {
		p.handle.Abort()
		if !p.unref {
			wait = append(wait, p.handle)
		}
	}
	r.mu.Unlock()
	r.cancel()

	var errs []error
	for _, h := range wait {
		select {
		case <-h.Done():
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(errors.PhaseRuntime, errors.KindTimedOut, ctx.Err(), "waiting for in-flight ops"))
		}
		if ctx.Err() != nil {
			break
		}
	}

	r.owner.Stop()

	if err := r.table.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	if err := r.state.Close(); err != nil {
		errs = append(errs, err)
	}
	r.logger.Debug("engine context closed")
	return stderrors.Join(errs...)
}
