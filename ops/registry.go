package ops

import (
	"sort"

	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/opstate"
)

// Middleware wraps a Handler with cross-cutting behaviour. The first
// middleware registered is the outermost layer.
type Middleware func(next Handler) Handler

// Classifier maps an op error onto its stable class name.
type Classifier func(err error) string

// Option configures a Registry.
type Option func(*registryBuilder)

// Registry is an immutable set of ops. Lookups are lock-free.
type Registry struct {
	ops        map[string]*entry
	classify   Classifier
	names      []string
	extensions []Extension
}

type entry struct {
	slow Handler
	fast Handler
	decl Decl
}

type registryBuilder struct {
	decls      map[string]Decl
	classify   Classifier
	middleware []Middleware
	extensions []Extension
	errs       []error
}

// NewRegistry builds a registry. It fails on the first invalid or duplicate
// declaration.
func NewRegistry(opts ...Option) (*Registry, error) {
	b := &registryBuilder{
		decls:    make(map[string]Decl),
		classify: errors.ClassOf,
	}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}

	r := &Registry{
		ops:        make(map[string]*entry, len(b.decls)),
		classify:   b.classify,
		names:      make([]string, 0, len(b.decls)),
		extensions: b.extensions,
	}
	for name, d := range b.decls {
		e := &entry{decl: d}
		if d.Handler != nil {
			e.slow = chain(d.Handler, b.middleware)
		}
		if d.Fast != nil {
			e.fast = chain(fastAdapter(d.Fast), b.middleware)
		}
		r.ops[name] = e
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

func chain(h Handler, mw []Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

func fastAdapter(fn FastHandler) Handler {
	return func(oc *Ctx, args Args) (any, error) {
		return fn(oc, args.Ints...)
	}
}

// Lookup returns the declaration of name.
func (r *Registry) Lookup(name string) (Decl, bool) {
	e, ok := r.ops[name]
	if !ok {
		return Decl{}, false
	}
	return e.decl, true
}

// Names returns the registered op names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Decls returns all declarations ordered by name.
func (r *Registry) Decls() []Decl {
	out := make([]Decl, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.ops[n].decl)
	}
	return out
}

// Len returns the number of ops.
func (r *Registry) Len() int { return len(r.ops) }

// Init runs every extension's state initializer against st, in
// registration order.
func (r *Registry) Init(st *opstate.State) error {
	for _, ext := range r.extensions {
		if ext.Init == nil {
			continue
		}
		if err := ext.Init(st); err != nil {
			return errors.Wrap(errors.PhaseRegister, errors.KindRegistration, err, "init extension "+ext.Name)
		}
	}
	return nil
}

func (b *registryBuilder) add(d Decl) {
	switch {
	case d.Name == "":
		b.errs = append(b.errs, errors.Registration("", "op name cannot be empty"))
		return
	case d.Handler == nil && d.Fast == nil:
		b.errs = append(b.errs, errors.Registration(d.Name, "op has no handler"))
		return
	case d.Kind == KindAsync && d.Fast != nil:
		b.errs = append(b.errs, errors.Registration(d.Name, "async ops have no fast path"))
		return
	case d.Kind == KindSync && (d.Blocking || d.Local):
		b.errs = append(b.errs, errors.Registration(d.Name, "scheduling flags apply to async ops only"))
		return
	}
	if _, exists := b.decls[d.Name]; exists {
		b.errs = append(b.errs, errors.Registration(d.Name, "duplicate op name"))
		return
	}
	b.decls[d.Name] = d
}

// WithOp registers ops.
func WithOp(decls ...Decl) Option {
	return func(b *registryBuilder) {
		for _, d := range decls {
			b.add(d)
		}
	}
}

// WithExtension registers an extension's ops and state initializer.
func WithExtension(ext Extension) Option {
	return func(b *registryBuilder) {
		for _, d := range ext.Ops {
			b.add(d)
		}
		b.extensions = append(b.extensions, ext)
	}
}

// WithMiddleware appends middleware. Order is FIFO: the first one added
// wraps outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *registryBuilder) {
		b.middleware = append(b.middleware, mw...)
	}
}

// WithErrorClassifier overrides how errors map to class names. Returning ""
// falls back to the default classification.
func WithErrorClassifier(c Classifier) Option {
	return func(b *registryBuilder) {
		b.classify = func(err error) string {
			if class := c(err); class != "" {
				return class
			}
			return errors.ClassOf(err)
		}
	}
}
