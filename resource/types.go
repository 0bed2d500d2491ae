package resource

import (
	"context"

	"github.com/wippyai/opbridge/errors"
)

// Handle is an opaque reference to a resource in a table.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Event types for resource lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventClosed
	EventTornDown
)

// Event represents a resource lifecycle event.
type Event struct {
	Resource Resource
	Name     string
	Handle   Handle
	Type     EventType
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// Resource is a host-owned object exposed to the guest only by handle.
//
// Capability methods a resource does not support should report
// errors.KindUnsupported; embed Base to get those defaults.
type Resource interface {
	// Name is the type tag shown to the guest (e.g. "fsFile", "tcpStream").
	Name() string

	// Read reads up to len(p) bytes.
	Read(ctx context.Context, p []byte) (int, error)

	// Write writes p.
	Write(ctx context.Context, p []byte) (int, error)

	// Shutdown closes the write half of a stream.
	Shutdown(ctx context.Context) error

	// Close is the teardown hook. The table calls it exactly once, after the
	// handle was closed and every outstanding Ref was released.
	Close() error

	// BackingHandle returns the OS-level descriptor backing the resource,
	// if there is one.
	BackingHandle() (uintptr, bool)
}

// Base provides "unsupported" defaults for the Resource capability methods.
type Base struct{}

func (Base) Read(context.Context, []byte) (int, error) {
	return 0, errors.Unsupported(errors.PhaseResource, "read is not supported by this resource")
}

func (Base) Write(context.Context, []byte) (int, error) {
	return 0, errors.Unsupported(errors.PhaseResource, "write is not supported by this resource")
}

func (Base) Shutdown(context.Context) error {
	return errors.Unsupported(errors.PhaseResource, "shutdown is not supported by this resource")
}

func (Base) Close() error                   { return nil }
func (Base) BackingHandle() (uintptr, bool) { return 0, false }

// Entry describes a live table entry.
type Entry struct {
	Name   string
	Handle Handle
}
