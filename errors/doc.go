// Package errors provides structured error types for the op bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Every Kind maps onto a stable class name ("NotFound", "PermissionDenied",
// "TypeError", ...) which is what guest code sees; the class strings never change.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseOp, errors.KindNotFound).
//		Op("op_fs_open").
//		Detail("no such file %q", path).
//		Cause(cause).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.BadResource(rid)
//	err := errors.PermissionDenied(`Requires read access to "/etc"`)
//
// ClassOf classifies arbitrary errors, including fs, net and errno errors
// returned by op bodies, so op code never hand-encodes a class string.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
