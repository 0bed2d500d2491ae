package engine

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/ops"
	"github.com/wippyai/opbridge/runtime"
)

// HostModule is the import module name guests link against.
const HostModule = "opbridge"

// ResultsExport is the optional guest export called after results were queued.
const ResultsExport = "on_results"

// WASMConfig holds configuration for the wazero runtime.
type WASMConfig struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32
}

// WASM is a WebAssembly guest. Host functions and guest exports only run
// on the runtime's owner goroutine, so its buffers need no locking.
type WASM struct {
	rt      *runtime.Runtime
	wr      wazero.Runtime
	mod     api.Module
	logger  *zap.Logger
	ready   []ops.Result
	polled  []byte // encoded ready batch that did not fit
	kept    []byte // op_sync result waiting for op_take
	lastErr []byte
}

// NewWASM creates a wazero runtime with the host module instantiated and
// attaches itself to rt as its guest.
func NewWASM(ctx context.Context, rt *runtime.Runtime, cfg *WASMConfig) (*WASM, error) {
	w := &WASM{
		rt:     rt,
		logger: Logger().Named("wasm").With(zap.String("context_id", string(rt.ID()))),
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	w.wr = wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if err := w.instantiateHost(ctx); err != nil {
		_ = w.wr.Close(ctx)
		return nil, err
	}
	rt.SetGuest(w)
	return w, nil
}

func (w *WASM) instantiateHost(ctx context.Context) error {
	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	b := w.wr.NewHostModuleBuilder(HostModule)

	funcs := []struct {
		fn      api.GoModuleFunc
		name    string
		params  []api.ValueType
		results []api.ValueType
	}{
		{w.opSync, "op_sync", []api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}},
		{w.opAsync, "op_async", []api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}},
		{w.opFast, "op_fast", []api.ValueType{i32, i32, i64, i64}, []api.ValueType{i64}},
		{w.opPoll, "op_poll", []api.ValueType{i32, i32}, []api.ValueType{i32}},
		{w.opTake, "op_take", []api.ValueType{i32, i32}, []api.ValueType{i32}},
		{w.opLastError, "op_last_error", []api.ValueType{i32, i32}, []api.ValueType{i32}},
	}
	for _, f := range funcs {
		b = b.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			WithName(f.name).
			Export(f.name)
	}

	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseRegister, errors.KindRegistration, err, "instantiate host module "+HostModule)
	}
	return nil
}

// Load instantiates the guest module. Start functions are not run; the
// caller picks the entry export with Call or Run.
func (w *WASM) Load(ctx context.Context, wasm []byte) error {
	return w.rt.Owner().Do(ctx, func(octx context.Context) error {
		mod, err := w.wr.InstantiateWithConfig(octx, wasm,
			wazero.NewModuleConfig().WithName("guest").WithStartFunctions())
		if err != nil {
			return errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "instantiate guest module")
		}
		w.mod = mod
		return nil
	})
}

// Call invokes a guest export on the owner goroutine.
func (w *WASM) Call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	var out []uint64
	err := w.rt.Owner().Do(ctx, func(octx context.Context) error {
		var err error
		out, err = w.call(octx, export, params...)
		return err
	})
	return out, err
}

func (w *WASM) call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	if w.mod == nil {
		return nil, errors.New(errors.PhaseRuntime, errors.KindNotFound).Detail("no guest module loaded").Build()
	}
	fn := w.mod.ExportedFunction(export)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", export)
	}
	out, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, &ScriptError{Err: err}
	}
	return out, nil
}

// Run calls export and then drives the event loop until no ref'd op call
// is pending.
func (w *WASM) Run(ctx context.Context, export string) error {
	if _, err := w.Call(ctx, export); err != nil {
		return err
	}
	return w.rt.RunEventLoop(ctx)
}

// Deliver queues results for op_poll and notifies the guest.
func (w *WASM) Deliver(ctx context.Context, results []ops.Result) error {
	w.ready = append(w.ready, results...)
	w.logger.Debug("results queued", zap.Int("count", len(results)), zap.Int("pending", len(w.ready)))
	if w.mod == nil || w.mod.ExportedFunction(ResultsExport) == nil {
		return nil
	}
	_, err := w.call(ctx, ResultsExport)
	return err
}

// Pending returns the number of results waiting for op_poll.
func (w *WASM) Pending() int { return len(w.ready) }

// Close releases the wazero runtime and every module in it.
func (w *WASM) Close(ctx context.Context) error {
	return w.wr.Close(ctx)
}

func (w *WASM) read(mod api.Module, ptr, n uint32) []byte {
	data, ok := mod.Memory().Read(ptr, n)
	if !ok {
		panic(errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Detail("read out of bounds: offset=%d, length=%d", ptr, n).Build())
	}
	return data
}

// emit writes payload at ptr if it fits. Otherwise it returns the negated
// size and leaves writing to a later call.
func (w *WASM) emit(mod api.Module, payload []byte, ptr, capacity uint32) (int32, bool) {
	if uint32(len(payload)) > capacity {
		return -int32(len(payload)), false
	}
	if !mod.Memory().Write(ptr, payload) {
		panic(errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Detail("write out of bounds: offset=%d, length=%d", ptr, len(payload)).Build())
	}
	return int32(len(payload)), true
}

func (w *WASM) callArgs(mod api.Module, stack []uint64) (string, json.RawMessage) {
	name := string(w.read(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
	var raw json.RawMessage
	if n := api.DecodeU32(stack[3]); n > 0 {
		raw = append(json.RawMessage(nil), w.read(mod, api.DecodeU32(stack[2]), n)...)
	}
	return name, raw
}

func (w *WASM) opSync(ctx context.Context, mod api.Module, stack []uint64) {
	name, raw := w.callArgs(mod, stack)
	res, _ := w.rt.Call(ctx, ops.Call{Op: name, Mode: ops.ModeSync, Args: raw})

	payload, err := json.Marshal(res)
	if err != nil {
		payload, _ = json.Marshal(ops.Result{Err: &ops.ErrorPayload{Code: errors.ClassInvalidData, Message: err.Error()}})
	}
	n, ok := w.emit(mod, payload, api.DecodeU32(stack[4]), api.DecodeU32(stack[5]))
	if ok {
		w.kept = nil
	} else {
		w.kept = payload
	}
	stack[0] = api.EncodeI32(n)
}

func (w *WASM) opAsync(ctx context.Context, mod api.Module, stack []uint64) {
	name, raw := w.callArgs(mod, stack)
	mode := ops.ModeAsync
	if api.DecodeU32(stack[5]) != 0 {
		mode = ops.ModeAsyncUnref
	}
	res, done := w.rt.Call(ctx, ops.Call{Op: name, Mode: mode, PromiseID: api.DecodeU32(stack[4]), Args: raw})
	if done {
		w.ready = append(w.ready, res)
	}
	stack[0] = api.EncodeI32(0)
}

func (w *WASM) opFast(ctx context.Context, mod api.Module, stack []uint64) {
	name := string(w.read(mod, api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
	w.lastErr = nil

	n, e := w.rt.Fast(ctx, name, int64(stack[2]), int64(stack[3]))
	if e != nil {
		w.lastErr, _ = json.Marshal(e)
		stack[0] = 0
		return
	}
	stack[0] = api.EncodeI64(n)
}

func (w *WASM) opPoll(_ context.Context, mod api.Module, stack []uint64) {
	if w.polled == nil {
		if len(w.ready) == 0 {
			stack[0] = api.EncodeI32(0)
			return
		}
		payload, err := json.Marshal(w.ready)
		if err != nil {
			panic(errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "encode results"))
		}
		w.polled = payload
		w.ready = nil
	}
	n, ok := w.emit(mod, w.polled, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if ok {
		w.polled = nil
	}
	stack[0] = api.EncodeI32(n)
}

func (w *WASM) opTake(_ context.Context, mod api.Module, stack []uint64) {
	stack[0] = api.EncodeI32(w.drain(mod, &w.kept, stack))
}

func (w *WASM) opLastError(_ context.Context, mod api.Module, stack []uint64) {
	stack[0] = api.EncodeI32(w.drain(mod, &w.lastErr, stack))
}

func (w *WASM) drain(mod api.Module, buf *[]byte, stack []uint64) int32 {
	if *buf == nil {
		return 0
	}
	n, ok := w.emit(mod, *buf, api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if ok {
		*buf = nil
	}
	return n
}
