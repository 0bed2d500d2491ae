// Package opbridge hosts guest code (JavaScript or WebAssembly) and lets it
// call registered host operations ("ops") through a single dispatch bridge.
//
// # Architecture Overview
//
//	opbridge/
//	├── resource/        Per-context resource table with stable handles
//	├── opstate/         Type-keyed state shared by the ops of one context
//	├── bridge/          Owner loop, blocking pool and spawn helpers
//	├── taskqueue/       FIFO serialization of async units
//	├── ops/             Op declarations, registry, dispatch and middleware
//	├── metrics/         Per-op Prometheus counters and summaries
//	├── permissions/     Permission container and interactive prompters
//	├── broker/          Permission broker client and server (exit code 87)
//	├── runtime/         Engine context and event loop
//	├── engine/          goja and wazero guest bindings
//	├── ext/             Bundled core, fs and timers extensions
//	├── config/          Process configuration and logger
//	└── cmd/opbridge/    Command line front end
//
// # Quick Start
//
//	reg, _ := ops.NewRegistry(ops.WithExtension(core.Extension(core.OSStdio())))
//	rt, _ := runtime.New(runtime.NewProcessContext(config.Default()), reg)
//	defer rt.Close(ctx)
//
//	js, _ := engine.NewJS(ctx, rt)
//	err := js.RunScript(ctx, "main.js", `Ops.call("op_print", {text: "hi\n"})`)
//
// # Thread Safety
//
// A runtime owns one guest. Guest callbacks and sync ops run on the owner
// goroutine; async ops complete elsewhere and are delivered back through the
// event loop.
package opbridge
