// Package ops exposes registered host functions ("ops") to the guest.
//
// An op is declared once and can be called in up to three ways:
//
//   - sync: runs inline on the owner goroutine and must not block
//   - async: runs off the owner; its result is delivered later, tagged with
//     the promise id the guest supplied
//   - fast: an optional integer-only calling convention for sync ops
//
// Ops are collected into an immutable Registry:
//
//	reg, err := ops.NewRegistry(
//	    ops.WithMiddleware(ops.LoggingMiddleware(logger)),
//	    ops.WithExtension(core.Extension()),
//	    ops.WithOp(ops.Sync("op_hello", func(oc *ops.Ctx, name string) (string, error) {
//	        return "hello " + name, nil
//	    })),
//	)
//
// A Dispatcher executes calls against the registry. It is the only place
// where a Go error becomes the guest-visible {code, message} pair; op bodies
// just return errors.
//
// Middleware wraps every op in FIFO onion order. Decorators such as the
// logging middleware or Observe must not change results.
package ops
