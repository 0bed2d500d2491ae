package ops

import (
	"context"
	"encoding/json"

	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/opstate"
	"github.com/wippyai/opbridge/resource"
)

// Kind is the execution class an op is declared with.
type Kind uint8

const (
	KindSync Kind = iota
	KindAsync
)

func (k Kind) String() string {
	if k == KindAsync {
		return "async"
	}
	return "sync"
}

// DispatchKind is the calling convention a single dispatch used.
type DispatchKind string

const (
	DispatchSlow  DispatchKind = "slow"
	DispatchFast  DispatchKind = "fast"
	DispatchAsync DispatchKind = "async"
)

// Args is the guest-supplied argument: a structured JSON value and any raw
// byte buffers. Ints carries the operands of a fast-path call.
type Args struct {
	Value   json.RawMessage
	Buffers [][]byte
	Ints    []int64
}

// Size returns the number of argument bytes, as recorded by observers.
func (a Args) Size() int {
	n := len(a.Value) + 8*len(a.Ints)
	for _, b := range a.Buffers {
		n += len(b)
	}
	return n
}

// Ctx is what an op body sees of the world.
type Ctx struct {
	context.Context
	State     *opstate.State
	Op        string
	Kind      DispatchKind
	PromiseID uint32
}

// Resources returns the context's resource table.
func (c *Ctx) Resources() *resource.Table {
	return opstate.Borrow[*resource.Table](c.State)
}

// Handler is the uniform op body. The returned value is JSON-encoded for
// the guest; a json.RawMessage is passed through as is.
type Handler func(oc *Ctx, args Args) (any, error)

// FastHandler implements the integer calling convention.
type FastHandler func(oc *Ctx, a ...int64) (int64, error)

// Decl declares one op.
type Decl struct {
	Handler Handler
	Fast    FastHandler
	Name    string
	Kind    Kind

	// Blocking async ops run on the blocking pool.
	Blocking bool
	// Local async ops run on the owner goroutine. They may touch
	// engine-bound values and must not block.
	Local bool
}

// Extension groups ops with the state they need.
type Extension struct {
	Init func(st *opstate.State) error
	Name string
	Ops  []Decl
}

// Decode unmarshals the structured argument into T. Malformed input is a
// TypeError.
func Decode[T any](oc *Ctx, args Args) (T, error) {
	var v T
	raw := args.Value
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errors.InvalidArgument(oc.Op, err)
	}
	return v, nil
}

// Sync declares a sync op with JSON-typed request and response.
func Sync[Req, Resp any](name string, fn func(oc *Ctx, req Req) (Resp, error)) Decl {
	return Decl{Name: name, Kind: KindSync, Handler: typed(fn)}
}

// Async declares an async op with JSON-typed request and response.
func Async[Req, Resp any](name string, fn func(oc *Ctx, req Req) (Resp, error)) Decl {
	return Decl{Name: name, Kind: KindAsync, Handler: typed(fn)}
}

func typed[Req, Resp any](fn func(oc *Ctx, req Req) (Resp, error)) Handler {
	return func(oc *Ctx, args Args) (any, error) {
		req, err := Decode[Req](oc, args)
		if err != nil {
			return nil, err
		}
		return fn(oc, req)
	}
}

// WithFast attaches a fast-path implementation to a sync op.
func (d Decl) WithFast(fn FastHandler) Decl {
	d.Fast = fn
	return d
}

// OnPool marks an async op as blocking.
func (d Decl) OnPool() Decl {
	d.Blocking = true
	return d
}

// OnOwner marks an async op as owner-bound.
func (d Decl) OnOwner() Decl {
	d.Local = true
	return d
}
