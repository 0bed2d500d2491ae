package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/ops"
	"github.com/wippyai/opbridge/runtime"
)

type resolvers struct {
	resolve func(any) error
	reject  func(any) error
}

// JS is a JavaScript guest. Every access to the VM happens on the
// runtime's owner goroutine.
type JS struct {
	rt       *runtime.Runtime
	vm       *goja.Runtime
	logger   *zap.Logger
	cur      context.Context
	pending  map[uint32]resolvers
	rejected map[*goja.Promise]struct{}
	nextID   uint32
}

// NewJS creates the VM, installs the Ops object and attaches itself to rt
// as its guest.
func NewJS(ctx context.Context, rt *runtime.Runtime) (*JS, error) {
	js := &JS{
		rt:       rt,
		logger:   Logger().Named("js").With(zap.String("context_id", string(rt.ID()))),
		pending:  make(map[uint32]resolvers),
		rejected: make(map[*goja.Promise]struct{}),
	}
	err := rt.Owner().Do(ctx, func(context.Context) error {
		js.vm = goja.New()
		js.vm.SetPromiseRejectionTracker(js.trackRejection)
		return js.install()
	})
	if err != nil {
		return nil, err
	}
	rt.SetGuest(js)
	return js, nil
}

func (js *JS) install() error {
	o := js.vm.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"call":           js.call,
		"callAsync":      func(c goja.FunctionCall) goja.Value { return js.callAsync(c, ops.ModeAsync) },
		"callAsyncUnref": func(c goja.FunctionCall) goja.Value { return js.callAsync(c, ops.ModeAsyncUnref) },
		"callFast":       js.callFast,
		"names":          js.names,
	} {
		if err := o.Set(name, fn); err != nil {
			return err
		}
	}
	return js.vm.Set("Ops", o)
}

func (js *JS) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		js.rejected[p] = struct{}{}
	case goja.PromiseRejectionHandle:
		delete(js.rejected, p)
	}
}

// uncaught reports a rejection nobody handled during the last turn.
func (js *JS) uncaught() error {
	for p := range js.rejected {
		delete(js.rejected, p)
		return fmt.Errorf("uncaught (in promise) %s", describe(p.Result()))
	}
	return nil
}

func describe(v goja.Value) string {
	if o, ok := v.(*goja.Object); ok {
		if code := o.Get("code"); code != nil && !goja.IsUndefined(code) {
			return code.String() + ": " + o.Get("message").String()
		}
	}
	if v == nil {
		return "undefined"
	}
	return v.String()
}

// Eval runs src on the owner goroutine and returns its exported completion
// value.
func (js *JS) Eval(ctx context.Context, name, src string) (any, error) {
	var out any
	err := js.rt.Owner().Do(ctx, func(octx context.Context) error {
		js.cur = octx
		defer func() { js.cur = nil }()

		v, err := js.vm.RunScript(name, src)
		if err != nil {
			return scriptError(err)
		}
		if err := js.uncaught(); err != nil {
			return err
		}
		if v != nil {
			out = v.Export()
		}
		return nil
	})
	return out, err
}

// RunScript evaluates src and then drives the event loop until no ref'd
// op call is pending.
func (js *JS) RunScript(ctx context.Context, name, src string) error {
	if _, err := js.Eval(ctx, name, src); err != nil {
		return err
	}
	return js.rt.RunEventLoop(ctx)
}

// Deliver settles the promises of completed async calls.
func (js *JS) Deliver(ctx context.Context, results []ops.Result) error {
	js.cur = ctx
	defer func() { js.cur = nil }()

	for _, res := range results {
		r, ok := js.pending[res.PromiseID]
		if !ok {
			js.logger.Warn("result for unknown promise", zap.Uint32("promise_id", res.PromiseID))
			continue
		}
		delete(js.pending, res.PromiseID)

		var err error
		if res.Err != nil {
			err = r.reject(js.errorObject(res.Err))
		} else {
			var v goja.Value
			v, err = js.decode(res)
			if err == nil {
				err = r.resolve(v)
			}
		}
		if err != nil {
			return scriptError(err)
		}
	}
	return js.uncaught()
}

func (js *JS) ctx() context.Context {
	if js.cur != nil {
		return js.cur
	}
	return context.Background()
}

func (js *JS) throw(e *ops.ErrorPayload) {
	panic(js.errorObject(e))
}

func (js *JS) errorObject(e *ops.ErrorPayload) *goja.Object {
	ctor, _ := js.vm.Get("Error").(*goja.Object)
	obj, err := js.vm.New(ctor, js.vm.ToValue(e.Message))
	if err != nil {
		return js.vm.NewGoError(e)
	}
	_ = obj.Set("code", e.Code)
	_ = obj.Set("name", e.Code)
	return obj
}

func (js *JS) decode(res ops.Result) (goja.Value, error) {
	if len(res.Ok) == 0 {
		return goja.Undefined(), nil
	}
	var v any
	if err := json.Unmarshal(res.Ok, &v); err != nil {
		return nil, err
	}
	return js.vm.ToValue(v), nil
}

// callArgs reads (name, args?, buf?) from a call.
func (js *JS) callArgs(c goja.FunctionCall) (string, json.RawMessage, [][]byte) {
	name := c.Argument(0).String()

	var raw json.RawMessage
	if a := c.Argument(1); !goja.IsUndefined(a) {
		b, err := json.Marshal(a.Export())
		if err != nil {
			js.throw(&ops.ErrorPayload{Code: errors.ClassTypeError, Message: "arguments are not serializable: " + err.Error()})
		}
		raw = b
	}

	var bufs [][]byte
	switch b := c.Argument(2).Export().(type) {
	case goja.ArrayBuffer:
		bufs = [][]byte{b.Bytes()}
	case []byte:
		bufs = [][]byte{b}
	case string:
		bufs = [][]byte{[]byte(b)}
	}
	return name, raw, bufs
}

func (js *JS) call(c goja.FunctionCall) goja.Value {
	name, raw, bufs := js.callArgs(c)
	res, _ := js.rt.Call(js.ctx(), ops.Call{Op: name, Mode: ops.ModeSync, Args: raw, Buffers: bufs})
	if res.Err != nil {
		js.throw(res.Err)
	}
	v, err := js.decode(res)
	if err != nil {
		js.throw(&ops.ErrorPayload{Code: errors.ClassInvalidData, Message: err.Error()})
	}
	return v
}

func (js *JS) callAsync(c goja.FunctionCall, mode ops.Mode) goja.Value {
	name, raw, bufs := js.callArgs(c)

	js.nextID++
	id := js.nextID
	p, resolve, reject := js.vm.NewPromise()
	js.pending[id] = resolvers{resolve: resolve, reject: reject}

	res, done := js.rt.Call(js.ctx(), ops.Call{Op: name, Mode: mode, PromiseID: id, Args: raw, Buffers: bufs})
	if done {
		// the context is closed, settle on the spot
		delete(js.pending, id)
		if res.Err != nil {
			_ = reject(js.errorObject(res.Err))
		} else {
			v, _ := js.decode(res)
			_ = resolve(v)
		}
	}
	return js.vm.ToValue(p)
}

func (js *JS) callFast(c goja.FunctionCall) goja.Value {
	if len(c.Arguments) == 0 {
		js.throw(&ops.ErrorPayload{Code: errors.ClassTypeError, Message: "op name required"})
	}
	name := c.Argument(0).String()
	args := make([]int64, 0, len(c.Arguments)-1)
	for _, a := range c.Arguments[1:] {
		args = append(args, a.ToInteger())
	}
	n, e := js.rt.Fast(js.ctx(), name, args...)
	if e != nil {
		js.throw(e)
	}
	return js.vm.ToValue(n)
}

func (js *JS) names(goja.FunctionCall) goja.Value {
	return js.vm.ToValue(js.rt.Dispatcher().Registry().Names())
}

// ScriptError is an exception that escaped the guest.
type ScriptError struct {
	Err error
}

func (e *ScriptError) Error() string { return e.Err.Error() }
func (e *ScriptError) Unwrap() error { return e.Err }

func scriptError(err error) error {
	var ex *goja.Exception
	if stderrors.As(err, &ex) {
		return &ScriptError{Err: fmt.Errorf("uncaught %s", describe(ex.Value()))}
	}
	return &ScriptError{Err: err}
}
