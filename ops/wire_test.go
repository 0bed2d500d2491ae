package ops

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/opbridge/errors"
)

func TestResult_RoundTrip(t *testing.T) {
	d := NewDispatcher(&Registry{classify: errors.ClassOf})

	ok, err := OkResult(7, map[string]int{"n": 1})
	require.NoError(t, err)

	results := []Result{
		ok,
		{Ok: json.RawMessage(`null`)},
		d.Fail(8, errors.PermissionDenied("read access to /etc")),
		d.Fail(0, errors.BadResource(12)),
		d.Fail(9, errors.InvalidArgument("op_x", nil)),
	}

	for _, in := range results {
		wire, err := json.Marshal(in)
		require.NoError(t, err)

		var out Result
		require.NoError(t, json.Unmarshal(wire, &out))

		assert.Equal(t, in.IsOk(), out.IsOk(), "wire %s", wire)
		assert.Equal(t, in.PromiseID, out.PromiseID)
		if in.Err != nil {
			assert.Equal(t, in.Err.Code, out.Err.Code)
			assert.Equal(t, in.Err.Message, out.Err.Message)
		} else {
			assert.JSONEq(t, string(in.Ok), string(out.Ok))
		}
	}
}

func TestResult_WireShape(t *testing.T) {
	wire, err := json.Marshal(Result{Err: &ErrorPayload{Code: "NotFound", Message: "gone"}, PromiseID: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"err":{"code":"NotFound","message":"gone"},"promiseId":3}`, string(wire))

	wire, err = json.Marshal(Result{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":null}`, string(wire))
}

func TestResult_UnmarshalRejects(t *testing.T) {
	for _, in := range []string{`{}`, `{"err":{"message":"x"}}`, `[1]`} {
		var r Result
		assert.Error(t, json.Unmarshal([]byte(in), &r), in)
	}
}

func TestResult_DecodeError(t *testing.T) {
	r := Result{Err: &ErrorPayload{Code: "Busy", Message: "try later"}}
	var v int
	err := r.Decode(&v)
	require.Error(t, err)
	assert.Equal(t, "Busy", errors.ClassOf(err))
}

func TestCall_JSON(t *testing.T) {
	var c Call
	require.NoError(t, json.Unmarshal([]byte(`{"op":"op_read","mode":"async-unref","promiseId":4,"args":[3],"buffers":["aGk="]}`), &c))
	assert.Equal(t, "op_read", c.Op)
	assert.True(t, c.Mode.IsAsync())
	assert.Equal(t, uint32(4), c.PromiseID)
	assert.Equal(t, [][]byte{[]byte("hi")}, c.Buffers)
}
