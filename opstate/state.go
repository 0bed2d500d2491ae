// Package opstate holds the per-context typed bag threaded into every op body.
//
// Values are keyed by their static Go type, so at most one value of a given
// type lives in a State. Use pointer types for values that ops mutate:
//
//	opstate.Put(st, table)                    // *resource.Table
//	tbl := opstate.Borrow[*resource.Table](st)
package opstate

import (
	stderrors "errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sync"
)

// State is a typed heterogeneous bag, one per engine context.
type State struct {
	values map[reflect.Type]any
	order  []reflect.Type
	mu     sync.RWMutex
}

// New creates an empty state.
func New() *State {
	return &State{values: make(map[reflect.Type]any)}
}

func key[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// Put inserts v, replacing any previous value of type T.
func Put[T any](s *State, v T) {
	k := key[T]()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[k]; ok {
		s.order = slices.DeleteFunc(s.order, func(t reflect.Type) bool { return t == k })
	}
	s.values[k] = v
	s.order = append(s.order, k)
}

// Borrow returns the value of type T. A missing value is a wiring bug, so
// Borrow panics rather than returning an error.
func Borrow[T any](s *State) T {
	v, ok := TryBorrow[T](s)
	if !ok {
		panic(fmt.Sprintf("opstate: no value of type %s", key[T]()))
	}
	return v
}

// TryBorrow returns the value of type T if present.
func TryBorrow[T any](s *State) (T, bool) {
	s.mu.RLock()
	v, ok := s.values[key[T]()]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// TryTake removes and returns the value of type T.
func TryTake[T any](s *State) (T, bool) {
	k := key[T]()
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[k]
	if !ok {
		var zero T
		return zero, false
	}
	delete(s.values, k)
	s.order = slices.DeleteFunc(s.order, func(t reflect.Type) bool { return t == k })
	return v.(T), true
}

// Has reports whether a value of type T is present.
func Has[T any](s *State) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key[T]()]
	return ok
}

// GetOrInit returns the value of type T, creating it with init on first use.
func GetOrInit[T any](s *State, init func() T) T {
	k := key[T]()
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[k]; ok {
		return v.(T)
	}
	v := init()
	s.values[k] = v
	s.order = append(s.order, k)
	return v
}

// Len returns the number of stored values.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Close drops every value, calling Close on those implementing io.Closer in
// reverse insertion order.
func (s *State) Close() error {
	s.mu.Lock()
	order := s.order
	values := s.values
	s.order = nil
	s.values = make(map[reflect.Type]any)
	s.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if c, ok := values[order[i]].(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", order[i], err))
			}
		}
	}
	return stderrors.Join(errs...)
}
