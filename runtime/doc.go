// Package runtime drives one engine context: it owns the guest's goroutine,
// the context's op state and the table of in-flight async op calls.
//
// # Quick Start
//
//	pc := runtime.NewProcessContext(config.Default())
//	reg, _ := ops.NewRegistry(ops.WithExtension(core.Extension(os.Stdout, os.Stderr)))
//
//	rt, err := runtime.New(pc, reg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	rt.SetGuest(guest)
//	// the guest calls rt.Call from the owner goroutine
//	err = rt.RunEventLoop(ctx)
//
// # Pending calls
//
// An async Call registers a pending op call and returns immediately. When
// the op finishes its result is queued, and the event loop hands queued
// results to the Guest on the owner goroutine in its next turn. Only ref'd
// calls keep RunEventLoop alive; unref'd calls are delivered if they finish
// while the loop runs for other reasons.
//
// # Process-wide state
//
// A ProcessContext is shared by every Runtime of the process: configuration,
// logger, the blocking pool, the prompter and the permission broker
// connection, dialed on first use.
package runtime
