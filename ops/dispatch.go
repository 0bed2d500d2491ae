package ops

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/opbridge/bridge"
	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/opstate"
)

// Dispatcher executes calls against a Registry.
type Dispatcher struct {
	reg    *Registry
	owner  *bridge.Owner
	pool   *bridge.Pool
	logger *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithOwner sets the owner that runs Local async ops.
func WithOwner(o *bridge.Owner) DispatcherOption {
	return func(d *Dispatcher) { d.owner = o }
}

// WithPool sets the pool that runs Blocking async ops.
func WithPool(p *bridge.Pool) DispatcherOption {
	return func(d *Dispatcher) { d.pool = p }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher for reg.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{reg: reg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.pool == nil {
		d.pool = bridge.NewPool(0)
	}
	return d
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Fail packages err as the guest-visible error result.
func (d *Dispatcher) Fail(promiseID uint32, err error) Result {
	return Result{
		Err: &ErrorPayload{
			Code:    d.reg.classify(err),
			Message: errors.MessageOf(err),
		},
		PromiseID: promiseID,
	}
}

func (d *Dispatcher) lookup(call Call) (*entry, error) {
	e, ok := d.reg.ops[call.Op]
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "op", call.Op)
	}
	switch call.Mode {
	case ModeSync, "":
		if e.decl.Kind != KindSync {
			return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
				Op(call.Op).Detail("async op called synchronously").Build()
		}
		if e.slow == nil {
			return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
				Op(call.Op).Detail("op only supports the fast calling convention").Build()
		}
	case ModeAsync, ModeAsyncUnref:
		if e.decl.Kind != KindAsync {
			return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
				Op(call.Op).Detail("sync op called asynchronously").Build()
		}
		if call.PromiseID == 0 {
			return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
				Op(call.Op).Detail("async call without promise id").Build()
		}
	default:
		return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
			Op(call.Op).Detail("unknown call mode %q", call.Mode).Build()
	}
	return e, nil
}

// Sync executes a sync call inline. Errors, including unknown ops, are
// returned as error results. Panics in the op body propagate.
func (d *Dispatcher) Sync(ctx context.Context, st *opstate.State, call Call) Result {
	e, err := d.lookup(call)
	if err != nil {
		return d.Fail(0, err)
	}
	oc := &Ctx{Context: ctx, State: st, Op: call.Op, Kind: DispatchSlow}
	v, err := e.slow(oc, Args{Value: call.Args, Buffers: call.Buffers})
	if err != nil {
		return d.Fail(0, err)
	}
	res, err := OkResult(0, v)
	if err != nil {
		return d.Fail(0, err)
	}
	return res
}

// Async schedules an async call and returns its handle. The handle's
// result is always a Result tagged with the call's promise id; an error from
// Wait means the unit panicked or was aborted, see Settle.
func (d *Dispatcher) Async(ctx context.Context, st *opstate.State, call Call) *bridge.JoinHandle[Result] {
	e, err := d.lookup(call)
	if err != nil {
		return bridge.Ready(d.Fail(call.PromiseID, err), nil)
	}

	body := func(uctx context.Context) (Result, error) {
		oc := &Ctx{Context: uctx, State: st, Op: call.Op, Kind: DispatchAsync, PromiseID: call.PromiseID}
		v, err := e.slow(oc, Args{Value: call.Args, Buffers: call.Buffers})
		if err != nil {
			return d.Fail(call.PromiseID, err), nil
		}
		res, err := OkResult(call.PromiseID, v)
		if err != nil {
			return d.Fail(call.PromiseID, err), nil
		}
		return res, nil
	}

	switch {
	case e.decl.Local && d.owner != nil:
		return bridge.SpawnLocal(ctx, d.owner, body)
	case e.decl.Blocking:
		return bridge.SpawnBlocking(ctx, d.pool, body)
	default:
		return bridge.Go(ctx, body)
	}
}

// Settle turns the outcome of an async handle into the result delivered to
// the guest.
func (d *Dispatcher) Settle(promiseID uint32, res Result, err error) Result {
	if err != nil {
		return d.Fail(promiseID, err)
	}
	return res
}

// Fast executes a sync op through its integer calling convention.
func (d *Dispatcher) Fast(ctx context.Context, st *opstate.State, name string, a ...int64) (int64, *ErrorPayload) {
	e, ok := d.reg.ops[name]
	if !ok {
		return 0, d.Fail(0, errors.NotFound(errors.PhaseDispatch, "op", name)).Err
	}
	if e.fast == nil {
		return 0, d.Fail(0, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
			Op(name).Detail("op has no fast path").Build()).Err
	}
	oc := &Ctx{Context: ctx, State: st, Op: name, Kind: DispatchFast}
	v, err := e.fast(oc, Args{Ints: a})
	if err != nil {
		return 0, d.Fail(0, err).Err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, d.Fail(0, errors.TypeMismatch(errors.PhaseEncode, "int64", "non-integer fast result")).Err
	}
	return n, nil
}
