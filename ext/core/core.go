// Package core provides the basic ops every engine context carries: resource
// bookkeeping, generic stream I/O on resources, stdio and environment access.
package core

import (
	"context"
	"io"
	"os"

	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/ops"
	"github.com/wippyai/opbridge/opstate"
	"github.com/wippyai/opbridge/permissions"
	"github.com/wippyai/opbridge/resource"
)

// Stdio is the process I/O the context's stdio resources wrap.
type Stdio struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// OSStdio returns the process's standard streams.
func OSStdio() Stdio {
	return Stdio{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// Handles of the stdio resources in a fresh context.
const (
	Stdin resource.Handle = iota + 1
	Stdout
	Stderr
)

// stdioResource exposes one process stream. Closing the handle never closes
// the underlying stream.
type stdioResource struct {
	resource.Base
	r    io.Reader
	w    io.Writer
	name string
}

func (s *stdioResource) Name() string { return s.name }

func (s *stdioResource) Read(ctx context.Context, p []byte) (int, error) {
	if s.r == nil {
		return s.Base.Read(ctx, p)
	}
	return s.r.Read(p)
}

func (s *stdioResource) Write(ctx context.Context, p []byte) (int, error) {
	if s.w == nil {
		return s.Base.Write(ctx, p)
	}
	return s.w.Write(p)
}

func (s *stdioResource) BackingHandle() (uintptr, bool) {
	var v any = s.r
	if s.w != nil {
		v = s.w
	}
	if f, ok := v.(*os.File); ok {
		return f.Fd(), true
	}
	return 0, false
}

// Extension returns the core extension. stdin, stdout and stderr are added
// to the resource table at handles 1, 2 and 3.
func Extension(stdio Stdio) ops.Extension {
	return ops.Extension{
		Name: "core",
		Init: func(st *opstate.State) error {
			opstate.Put(st, &stdio)
			table := opstate.Borrow[*resource.Table](st)
			for _, r := range []*stdioResource{
				{name: "stdin", r: stdio.In},
				{name: "stdout", w: stdio.Out},
				{name: "stderr", w: stdio.Err},
			} {
				if _, err := table.Add(r); err != nil {
					return err
				}
			}
			return nil
		},
		Ops: []ops.Decl{
			ops.Sync("op_add", opAdd).WithFast(opAddFast),
			ops.Sync("op_resources", opResources),
			ops.Sync("op_close", opClose),
			ops.Sync("op_try_close", opTryClose),
			ops.Sync("op_print", opPrint),
			ops.Sync("op_env_get", opEnvGet),
			{Name: "op_read", Kind: ops.KindAsync, Handler: opRead, Blocking: true},
			{Name: "op_write", Kind: ops.KindAsync, Handler: opWrite, Blocking: true},
			ops.Async("op_shutdown", opShutdown),
		},
	}
}

type addArgs struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

func opAdd(_ *ops.Ctx, a addArgs) (int64, error) {
	return a.A + a.B, nil
}

func opAddFast(oc *ops.Ctx, a ...int64) (int64, error) {
	if len(a) != 2 {
		return 0, errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
			Op(oc.Op).Detail("expected 2 operands, got %d", len(a)).Build()
	}
	return a[0] + a[1], nil
}

// ResourceInfo is one entry of op_resources.
type ResourceInfo struct {
	Name string          `json:"name"`
	RID  resource.Handle `json:"rid"`
}

func opResources(oc *ops.Ctx, _ struct{}) ([]ResourceInfo, error) {
	entries := oc.Resources().Entries()
	out := make([]ResourceInfo, len(entries))
	for i, e := range entries {
		out[i] = ResourceInfo{RID: e.Handle, Name: e.Name}
	}
	return out, nil
}

type ridArgs struct {
	RID resource.Handle `json:"rid"`
}

func opClose(oc *ops.Ctx, a ridArgs) (any, error) {
	return nil, oc.Resources().Close(a.RID)
}

// opTryClose ignores unknown handles.
func opTryClose(oc *ops.Ctx, a ridArgs) (bool, error) {
	err := oc.Resources().Close(a.RID)
	if errors.ClassOf(err) == errors.ClassNotFound {
		return false, nil
	}
	return err == nil, err
}

type printArgs struct {
	Text   string `json:"text"`
	Stderr bool   `json:"stderr"`
}

func opPrint(oc *ops.Ctx, a printArgs) (any, error) {
	stdio := opstate.Borrow[*Stdio](oc.State)
	w := stdio.Out
	if a.Stderr {
		w = stdio.Err
	}
	if w == nil {
		return nil, errors.Unsupported(errors.PhaseOp, "stdio stream not attached")
	}
	_, err := io.WriteString(w, a.Text)
	return nil, err
}

type envArgs struct {
	Key string `json:"key"`
}

func opEnvGet(oc *ops.Ctx, a envArgs) (*string, error) {
	perms := opstate.Borrow[*permissions.Container](oc.State)
	if err := perms.Check(oc, permissions.Env, a.Key, "op_env_get"); err != nil {
		return nil, err
	}
	v, ok := os.LookupEnv(a.Key)
	if !ok {
		return nil, nil
	}
	return &v, nil
}

type readArgs struct {
	RID  resource.Handle `json:"rid"`
	Size int             `json:"size"`
}

// ReadResult is the result of op_read. EOF is set once the stream is
// exhausted.
type ReadResult struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof"`
}

const (
	defaultReadSize = 64 * 1024
	// larger requests are clamped; a read may always return fewer bytes
	maxReadSize = 16 << 20
)

func opRead(oc *ops.Ctx, args ops.Args) (any, error) {
	a, err := ops.Decode[readArgs](oc, args)
	if err != nil {
		return nil, err
	}
	switch {
	case a.Size <= 0:
		a.Size = defaultReadSize
	case a.Size > maxReadSize:
		a.Size = maxReadSize
	}

	ref, err := oc.Resources().GetAny(a.RID)
	if err != nil {
		return nil, err
	}
	defer ref.Release()

	buf := make([]byte, a.Size)
	n, err := ref.Value().Read(oc, buf)
	if err == io.EOF {
		return ReadResult{Data: buf[:n], EOF: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return ReadResult{Data: buf[:n]}, nil
}

type writeArgs struct {
	RID  resource.Handle `json:"rid"`
	Data string          `json:"data"`
}

// opWrite writes the first buffer argument, or the data string when no
// buffer was passed.
func opWrite(oc *ops.Ctx, args ops.Args) (any, error) {
	a, err := ops.Decode[writeArgs](oc, args)
	if err != nil {
		return nil, err
	}
	data := []byte(a.Data)
	if len(args.Buffers) > 0 {
		data = args.Buffers[0]
	}

	ref, err := oc.Resources().GetAny(a.RID)
	if err != nil {
		return nil, err
	}
	defer ref.Release()
	return ref.Value().Write(oc, data)
}

func opShutdown(oc *ops.Ctx, a ridArgs) (any, error) {
	ref, err := oc.Resources().GetAny(a.RID)
	if err != nil {
		return nil, err
	}
	defer ref.Release()
	return nil, ref.Value().Shutdown(oc)
}
