// Package bridge lets engine-bound work and thread-safe work share one
// scheduler.
//
// The guest engine is single-threaded, so every call into it happens on one
// dedicated goroutine, the Owner. Values that are unsafe to share never
// leave that goroutine; other goroutines submit closures to it instead:
//
//	owner := bridge.NewOwner()
//	defer owner.Stop()
//
//	err := owner.Do(ctx, func(ctx context.Context) error {
//	    _, err := vm.RunString(src) // only ever touched here
//	    return err
//	})
//
// Spawned units return a JoinHandle. SpawnLocal runs its body on the
// Owner, SpawnBlocking on a bounded Pool, and Go on a fresh goroutine.
// Aborting a handle cancels the unit's context; the unit observes it at its
// next cooperative check. Panics inside a unit are captured and surface as
// a *JoinError from Wait.
package bridge
