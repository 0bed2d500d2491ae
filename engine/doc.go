// Package engine binds guest engines to a runtime.Runtime.
//
// Two guests are provided:
//
//	JS    - a goja JavaScript runtime with a global Ops object
//	WASM  - a wazero module importing the "opbridge" host module
//
// Both run every guest entry on the runtime's owner goroutine and implement
// runtime.Guest, so async op results reach them in the owner's next turn.
//
// # JavaScript
//
//	js, err := engine.NewJS(ctx, rt)
//	err = js.RunScript(ctx, "main.js", `
//	    const n = Ops.call("op_add", {a: 1, b: 2})
//	    Ops.callAsync("op_sleep", {ms: 10}).then(() => Ops.call("op_print", {text: "done\n"}))
//	`)
//
// Ops.call throws an Error whose code property is the error class.
// Ops.callAsync and Ops.callAsyncUnref return promises rejected with the
// same kind of Error. Ops.callFast(name, a, b) uses the integer calling
// convention.
//
// # WebAssembly
//
// The "opbridge" host module exports:
//
//	op_sync(name_ptr, name_len, args_ptr, args_len, out_ptr, out_cap) i32
//	op_async(name_ptr, name_len, args_ptr, args_len, promise_id, unref) i32
//	op_fast(name_ptr, name_len, a i64, b i64) i64
//	op_poll(out_ptr, out_cap) i32
//	op_take(out_ptr, out_cap) i32
//	op_last_error(out_ptr, out_cap) i32
//
// Outputs are JSON. When an output does not fit in out_cap the call returns
// the negated required size and keeps the payload: op_poll and
// op_last_error return it again on the next call, a kept op_sync result is
// fetched with op_take. If the module exports "on_results", it is called
// after async results were queued for op_poll.
package engine
