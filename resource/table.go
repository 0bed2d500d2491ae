package resource

import (
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/wippyai/opbridge/errors"
)

var (
	ErrClosed    = stderrors.New("resource table closed")
	ErrExhausted = stderrors.New("resource handles exhausted")
)

// Table maps handles to live resources for one engine context.
//
// Each entry is reference counted: the table holds one reference and every
// Ref handed out by Get holds another. Closing a handle only drops the
// table's reference, so an op that already holds a Ref keeps a usable
// resource until it releases it.
type Table struct {
	entries   map[Handle]*entry
	observers []Observer
	next      Handle
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	closed    bool
}

type entry struct {
	res    Resource
	table  *Table
	handle Handle
	refs   atomic.Int32
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: make(map[Handle]*entry, 16),
	}
}

// Add stores r and returns a fresh handle. Handles are never reused for the
// lifetime of the table; once the handle space is spent Add fails with
// ErrExhausted.
func (t *Table) Add(r Resource) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.next == math.MaxUint32 {
		t.mu.Unlock()
		return 0, errors.Wrap(errors.PhaseResource, errors.KindBusy, ErrExhausted, "no free resource handle")
	}
	t.next++
	h := t.next
	e := &entry{res: r, table: t, handle: h}
	e.refs.Store(1)
	t.entries[h] = e
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: h, Name: r.Name(), Resource: r})
	return h, nil
}

// Has reports whether h refers to a live resource.
func (t *Table) Has(h Handle) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[h]
	return ok
}

// Get returns a shared reference to the resource behind h, checked against T.
// Unknown handles yield a NotFound error, wrong types a TypeError.
// The caller must Release the reference.
func Get[T Resource](t *Table, h Handle) (*Ref[T], error) {
	t.mu.RLock()
	e, ok := t.entries[h]
	if !ok {
		t.mu.RUnlock()
		return nil, errors.BadResource(uint32(h))
	}
	v, ok := e.res.(T)
	if !ok {
		t.mu.RUnlock()
		var zero T
		return nil, errors.TypeMismatch(errors.PhaseResource, fmt.Sprintf("%T", zero), e.res.Name())
	}
	e.refs.Add(1)
	t.mu.RUnlock()

	return &Ref[T]{entry: e, value: v}, nil
}

// GetAny returns a reference without a type check.
func (t *Table) GetAny(h Handle) (*Ref[Resource], error) {
	return Get[Resource](t, h)
}

// Close removes h from the table. Teardown runs once the last outstanding
// reference is released, which is immediately when none is held; in that case
// the teardown error is returned.
// Closing an unknown or already closed handle returns NotFound.
func (t *Table) Close(h Handle) error {
	e, err := t.remove(h)
	if err != nil {
		return err
	}
	return e.release()
}

// Take removes h from the table and transfers the table's reference to the
// caller.
func (t *Table) Take(h Handle) (*Ref[Resource], error) {
	e, err := t.remove(h)
	if err != nil {
		return nil, err
	}
	return &Ref[Resource]{entry: e, value: e.res}, nil
}

func (t *Table) remove(h Handle) (*entry, error) {
	t.mu.Lock()
	e, ok := t.entries[h]
	if !ok {
		t.mu.Unlock()
		return nil, errors.BadResource(uint32(h))
	}
	delete(t.entries, h)
	t.mu.Unlock()

	t.notify(Event{Type: EventClosed, Handle: h, Name: e.res.Name(), Resource: e.res})
	return e, nil
}

// BackingHandle returns the OS descriptor of the resource behind h.
func (t *Table) BackingHandle(h Handle) (uintptr, bool) {
	t.mu.RLock()
	e, ok := t.entries[h]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return e.res.BackingHandle()
}

// Entries returns the live entries ordered by handle.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for h, e := range t.entries {
		out = append(out, Entry{Handle: h, Name: e.res.Name()})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Len returns the number of live resources.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// CloseAll closes every live handle and stops accepting new resources.
// Resources still referenced by in-flight ops are torn down when those
// references are released.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	t.closed = true
	handles := make([]Handle, 0, len(t.entries))
	for h := range t.entries {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i] > handles[j] })

	var errs []error
	for _, h := range handles {
		if err := t.Close(h); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}

// release drops one reference and tears the resource down when it was the
// last one. The counter only reaches zero once, so teardown runs once.
func (e *entry) release() error {
	if e.refs.Add(-1) != 0 {
		return nil
	}
	err := e.res.Close()
	e.table.notify(Event{Type: EventTornDown, Handle: e.handle, Name: e.res.Name(), Resource: e.res})
	return err
}

// Ref is a counted reference to a resource. It stays valid after the handle
// is closed until Release is called.
type Ref[T Resource] struct {
	entry    *entry
	value    T
	released atomic.Bool
}

// Value returns the referenced resource.
func (r *Ref[T]) Value() T { return r.value }

// Handle returns the handle the reference was obtained through.
func (r *Ref[T]) Handle() Handle { return r.entry.handle }

// Release drops the reference. If it was the last one the resource is torn
// down and its Close error returned. Extra calls are no-ops.
func (r *Ref[T]) Release() error {
	if r.released.CompareAndSwap(false, true) {
		return r.entry.release()
	}
	return nil
}
