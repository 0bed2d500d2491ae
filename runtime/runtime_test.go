package runtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/opbridge/broker"
	"github.com/wippyai/opbridge/config"
	"github.com/wippyai/opbridge/errors"
	"github.com/wippyai/opbridge/ops"
	"github.com/wippyai/opbridge/opstate"
	"github.com/wippyai/opbridge/permissions"
	"github.com/wippyai/opbridge/resource"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func testRegistry(t *testing.T, never <-chan struct{}) *ops.Registry {
	t.Helper()
	reg, err := ops.NewRegistry(
		ops.WithOp(
			ops.Sync("op_add", func(_ *ops.Ctx, a addArgs) (int, error) { return a.A + a.B, nil }),
			ops.Async("op_echo", func(_ *ops.Ctx, s string) (string, error) { return s, nil }),
			ops.Async("op_wait", func(oc *ops.Ctx, _ struct{}) (any, error) {
				<-oc.Done()
				return nil, oc.Err()
			}),
			ops.Async("op_never", func(_ *ops.Ctx, _ struct{}) (any, error) {
				<-never
				return nil, nil
			}),
		),
	)
	require.NoError(t, err)
	return reg
}

type recordingGuest struct {
	rt      *Runtime
	results []ops.Result
	onOwner []bool
	mu      sync.Mutex
	then    func(ctx context.Context, res ops.Result) error
}

func (g *recordingGuest) Deliver(ctx context.Context, results []ops.Result) error {
	g.mu.Lock()
	g.results = append(g.results, results...)
	g.onOwner = append(g.onOwner, g.rt.Owner().OnOwner(ctx))
	then := g.then
	g.mu.Unlock()
	if then != nil {
		for _, res := range results {
			if err := then(ctx, res); err != nil {
				return err
			}
		}
	}
	return nil
}

func newTestRuntime(t *testing.T, never <-chan struct{}, opts ...Option) (*Runtime, *recordingGuest) {
	t.Helper()
	rt, err := New(NewProcessContext(config.Default()), testRegistry(t, never), opts...)
	require.NoError(t, err)
	g := &recordingGuest{rt: rt}
	rt.SetGuest(g)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt, g
}

func asyncCall(op string, id uint32, args string) ops.Call {
	return ops.Call{Op: op, Mode: ops.ModeAsync, PromiseID: id, Args: json.RawMessage(args)}
}

func TestNew_StatePopulated(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)

	assert.True(t, opstate.Has[*resource.Table](rt.State()))
	assert.True(t, opstate.Has[*permissions.Container](rt.State()))
	assert.Equal(t, rt.ID(), opstate.Borrow[ContextID](rt.State()))
	assert.NotEmpty(t, rt.ID())
}

func TestCall_Sync(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)

	res, done := rt.Call(context.Background(), ops.Call{Op: "op_add", Args: json.RawMessage(`{"a":1,"b":2}`)})
	require.True(t, done)
	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":3}`, string(out))
	assert.Equal(t, Stats{}, rt.Stats())
}

func TestCall_AsyncDeliveredOnOwner(t *testing.T) {
	rt, g := newTestRuntime(t, nil)
	ctx := context.Background()

	_, done := rt.Call(ctx, asyncCall("op_echo", 7, `"hi"`))
	require.False(t, done)

	require.NoError(t, rt.RunEventLoop(ctx))

	require.Len(t, g.results, 1)
	assert.Equal(t, uint32(7), g.results[0].PromiseID)
	var s string
	require.NoError(t, g.results[0].Decode(&s))
	assert.Equal(t, "hi", s)
	assert.Equal(t, []bool{true}, g.onOwner)
	assert.Equal(t, Stats{}, rt.Stats())
}

func TestCall_AsyncErrorsAreDelivered(t *testing.T) {
	rt, g := newTestRuntime(t, nil)
	ctx := context.Background()

	rt.Call(ctx, asyncCall("op_missing", 1, `null`))
	rt.Call(ctx, asyncCall("op_echo", 2, `42`))
	require.NoError(t, rt.RunEventLoop(ctx))

	require.Len(t, g.results, 2)
	codes := map[uint32]string{}
	for _, res := range g.results {
		require.NotNil(t, res.Err)
		codes[res.PromiseID] = res.Err.Code
	}
	assert.Equal(t, map[uint32]string{1: errors.ClassNotFound, 2: errors.ClassTypeError}, codes)
}

func TestRunEventLoop_DeliveryStartsMoreWork(t *testing.T) {
	rt, g := newTestRuntime(t, nil)
	ctx := context.Background()

	g.then = func(octx context.Context, res ops.Result) error {
		if res.PromiseID < 3 {
			rt.Call(octx, asyncCall("op_echo", res.PromiseID+1, `"again"`))
		}
		return nil
	}
	rt.Call(ctx, asyncCall("op_echo", 1, `"start"`))
	require.NoError(t, rt.RunEventLoop(ctx))

	require.Len(t, g.results, 3)
	assert.Equal(t, uint32(3), g.results[2].PromiseID)
}

func TestRunEventLoop_GuestError(t *testing.T) {
	rt, g := newTestRuntime(t, nil)
	ctx := context.Background()
	boom := stderrors.New("uncaught exception")

	g.then = func(context.Context, ops.Result) error { return boom }
	rt.Call(ctx, asyncCall("op_echo", 1, `"x"`))
	assert.ErrorIs(t, rt.RunEventLoop(ctx), boom)
}

func TestRunEventLoop_UnrefDoesNotBlock(t *testing.T) {
	never := make(chan struct{})
	defer close(never)
	rt, g := newTestRuntime(t, never)
	ctx := context.Background()

	rt.Call(ctx, ops.Call{Op: "op_never", Mode: ops.ModeAsyncUnref, PromiseID: 1, Args: json.RawMessage(`{}`)})
	rt.Call(ctx, asyncCall("op_echo", 2, `"x"`))

	done := make(chan error, 1)
	go func() { done <- rt.RunEventLoop(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event loop kept alive by an unref'd call")
	}

	assert.Len(t, g.results, 1)
	assert.Equal(t, Stats{Unref: 1}, rt.Stats())

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, rt.Close(closeCtx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunEventLoop_ContextEnds(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)

	rt.Call(context.Background(), asyncCall("op_wait", 1, `{}`))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rt.RunEventLoop(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, rt.Stats().Ref)
}

func TestClose_CancelsRefCalls(t *testing.T) {
	rt, g := newTestRuntime(t, nil)
	ctx := context.Background()

	rt.Call(ctx, asyncCall("op_wait", 1, `{}`))
	rt.Call(ctx, asyncCall("op_wait", 2, `{}`))
	require.Equal(t, 2, rt.Stats().Ref)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Close(closeCtx))

	assert.Empty(t, g.results, "results of torn down calls are not delivered")
	assert.ErrorIs(t, rt.RunEventLoop(ctx), ErrClosed)

	res, done := rt.Call(ctx, asyncCall("op_echo", 3, `"late"`))
	require.True(t, done)
	require.NotNil(t, res.Err)
	assert.Equal(t, errors.ClassInterrupted, res.Err.Code)
	assert.Equal(t, uint32(3), res.PromiseID)
}

type closable struct {
	resource.Base
	closed bool
}

func (c *closable) Name() string { return "closable" }
func (c *closable) Close() error {
	c.closed = true
	return nil
}

func TestClose_ClosesResources(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	res := &closable{}
	_, err := rt.Resources().Add(res)
	require.NoError(t, err)

	require.NoError(t, rt.Close(context.Background()))
	assert.True(t, res.closed)
	assert.Equal(t, 0, rt.Resources().Len())

	// idempotent
	assert.NoError(t, rt.Close(context.Background()))
}

func TestCall_AfterClose(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx := context.Background()
	require.NoError(t, rt.Close(ctx))

	res, done := rt.Call(ctx, ops.Call{Op: "op_add", Args: json.RawMessage(`{"a":1,"b":2}`)})
	require.True(t, done)
	require.NotNil(t, res.Err)
	assert.Equal(t, errors.ClassInterrupted, res.Err.Code)

	res, done = rt.Call(ctx, asyncCall("op_echo", 4, `"hi"`))
	require.True(t, done)
	require.NotNil(t, res.Err)
	assert.Equal(t, errors.ClassInterrupted, res.Err.Code)
	assert.Equal(t, uint32(4), res.PromiseID)

	_, perr := rt.Fast(ctx, "op_add", 1, 2)
	require.NotNil(t, perr)
	assert.Equal(t, errors.ClassInterrupted, perr.Code)

	assert.Equal(t, 0, rt.Resources().Len())
}

type fakeBroker struct {
	mu    sync.Mutex
	calls int
}

func (b *fakeBroker) Request(string, string) (broker.Decision, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return broker.Decision{Allow: true}, nil
}

func TestPermissions_InjectedBroker(t *testing.T) {
	b := &fakeBroker{}
	pc := NewProcessContext(config.Default(), WithBroker(b))
	rt, err := New(pc, testRegistry(t, nil))
	require.NoError(t, err)
	defer rt.Close(context.Background())

	require.NoError(t, rt.Permissions().Check(context.Background(), permissions.Net, "example.com", "op_connect"))
	assert.Equal(t, 1, b.calls)
}

func TestPermissions_BrokerDialFailureIsFatal(t *testing.T) {
	cfg := config.Default()
	cfg.BrokerPath = filepath.Join(t.TempDir(), "missing.sock")

	var codes []int
	pc := NewProcessContext(cfg, WithExit(func(code int) { codes = append(codes, code) }))
	rt, err := New(pc, testRegistry(t, nil))
	require.NoError(t, err)
	defer rt.Close(context.Background())

	err = rt.Permissions().Check(context.Background(), permissions.Read, "/etc/hosts", "op_fs_open")
	require.Error(t, err)
	assert.Equal(t, errors.ClassPermissionDenied, errors.ClassOf(err))
	assert.Equal(t, []int{broker.ExitCode}, codes)

	_, err = pc.Broker()
	assert.Equal(t, errors.ClassBrokerProtocol, errors.ClassOf(err))
}
