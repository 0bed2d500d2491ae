package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJS(t *testing.T) *JS {
	t.Helper()
	js, err := NewJS(context.Background(), newRuntime(t))
	require.NoError(t, err)
	return js
}

func eval(t *testing.T, js *JS, src string) any {
	t.Helper()
	v, err := js.Eval(context.Background(), "test.js", src)
	require.NoError(t, err)
	return v
}

func TestJS_CallSync(t *testing.T) {
	js := newJS(t)
	assert.EqualValues(t, 3, eval(t, js, `Ops.call("op_add", {a: 1, b: 2})`))
}

func TestJS_CallSyncThrowsWithCode(t *testing.T) {
	js := newJS(t)

	assert.Equal(t, "NotFound", eval(t, js, `
		let code;
		try { Ops.call("op_missing") } catch (e) { code = e.code }
		code`))
	assert.Equal(t, "TypeError", eval(t, js, `
		try { Ops.call("op_add", "not an object"); "no error" } catch (e) { e.code }`))
	assert.Equal(t, true, eval(t, js, `
		try { Ops.call("op_missing") } catch (e) { e instanceof Error }`))
}

func TestJS_CallFast(t *testing.T) {
	js := newJS(t)
	assert.EqualValues(t, 42, eval(t, js, `Ops.callFast("op_add", 2, 40)`))
	assert.Equal(t, "TypeError", eval(t, js, `
		try { Ops.callFast("op_len", 1) } catch (e) { e.code }`))
}

func TestJS_Names(t *testing.T) {
	js := newJS(t)
	assert.EqualValues(t, 5, eval(t, js, `Ops.names().length`))
	assert.Equal(t, true, eval(t, js, `Ops.names().includes("op_delay")`))
}

func TestJS_CallAsyncResolves(t *testing.T) {
	js := newJS(t)
	ctx := context.Background()

	err := js.RunScript(ctx, "main.js", `
		var log = [];
		Ops.callAsync("op_delay", 200).then(v => log.push("slow:" + v));
		Ops.callAsync("op_delay", 1).then(v => {
			log.push("fast:" + v);
			return Ops.callAsync("op_delay", 1);
		}).then(v => log.push("chained:" + v));
	`)
	require.NoError(t, err)
	assert.Equal(t, "fast:1,chained:1,slow:200", eval(t, js, `log.join(",")`))
}

func TestJS_CallAsyncRejects(t *testing.T) {
	js := newJS(t)
	err := js.RunScript(context.Background(), "main.js", `
		var code;
		Ops.callAsync("op_fail").catch(e => { code = e.code });
	`)
	require.NoError(t, err)
	assert.Equal(t, "PermissionDenied", eval(t, js, `code`))
}

func TestJS_UnhandledRejection(t *testing.T) {
	js := newJS(t)
	err := js.RunScript(context.Background(), "main.js", `Ops.callAsync("op_fail")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uncaught (in promise) PermissionDenied: nope")
}

func TestJS_UncaughtException(t *testing.T) {
	js := newJS(t)
	_, err := js.Eval(context.Background(), "main.js", `throw new Error("boom")`)
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "boom")
}

func TestJS_UnrefDoesNotKeepLoopAlive(t *testing.T) {
	js := newJS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := js.RunScript(ctx, "main.js", `
		var done = false;
		Ops.callAsyncUnref("op_never");
		Ops.callAsync("op_delay", 1).then(() => { done = true });
	`)
	require.NoError(t, err)
	assert.Equal(t, true, eval(t, js, `done`))
}
