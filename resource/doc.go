// Package resource provides the resource table: an arena of host-owned
// objects (files, sockets, listeners, child processes) that guest code can
// only reference by an opaque integer handle.
//
// # Handle Table
//
// The Table maps handles to Resource values:
//
//	table := resource.NewTable()
//
//	// Insert a value, get a handle
//	rid, err := table.Add(file)
//
//	// Type-checked, reference-counted retrieval
//	ref, err := resource.Get[*FileResource](table, rid)
//	defer ref.Release()
//
//	// Remove the handle; teardown runs when the last reference drops
//	err = table.Close(rid)
//
// Handles are allocated from a counter and never reused while the table is
// alive. Handle 0 is reserved and always invalid. Lookups on an unknown or
// closed handle yield a NotFound error, lookups with the wrong type a
// TypeError; neither ever panics.
//
// # Shared Ownership
//
// An async op that obtained a Ref keeps a usable resource even if the guest
// closes the handle concurrently: Close only drops the table's reference.
// The resource's Close method (its teardown) runs exactly once, when the
// last reference is gone.
//
// # Capabilities
//
// Resource declares Read, Write, Shutdown, Close and BackingHandle. Embed
// Base to inherit "unsupported" defaults and override only what the
// resource can actually do:
//
//	type pipeEnd struct {
//	    resource.Base
//	    f *os.File
//	}
//
//	func (p *pipeEnd) Name() string { return "pipe" }
//	func (p *pipeEnd) Read(ctx context.Context, b []byte) (int, error) { return p.f.Read(b) }
//
// # Observers
//
// Register observers to track resource lifecycle events:
//
//	table.Subscribe(resource.ObserverFunc(func(e resource.Event) {
//	    if e.Type == resource.EventTornDown {
//	        log.Printf("resource %d (%s) torn down", e.Handle, e.Name)
//	    }
//	}))
package resource
