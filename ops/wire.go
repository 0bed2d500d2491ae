package ops

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wippyai/opbridge/errors"
)

// Mode selects how a call is executed.
type Mode string

const (
	ModeSync       Mode = "sync"
	ModeAsync      Mode = "async"
	ModeAsyncUnref Mode = "async-unref"
)

// IsAsync reports whether the mode needs a promise id.
func (m Mode) IsAsync() bool { return m == ModeAsync || m == ModeAsyncUnref }

// Call is one guest-to-host op invocation.
type Call struct {
	Op        string          `json:"op"`
	Mode      Mode            `json:"mode"`
	Args      json.RawMessage `json:"args,omitempty"`
	Buffers   [][]byte        `json:"buffers,omitempty"`
	PromiseID uint32          `json:"promiseId,omitempty"`
}

// ErrorPayload is the only shape in which errors cross to the guest.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorPayload) Error() string {
	return e.Code + ": " + e.Message
}

// ErrorClass lets a payload received back from the guest keep its class.
func (e *ErrorPayload) ErrorClass() string { return e.Code }

// Result is the host-to-guest outcome of a call: either Ok or Err is set.
type Result struct {
	Err       *ErrorPayload
	Ok        json.RawMessage
	PromiseID uint32
}

// IsOk reports whether the call succeeded.
func (r Result) IsOk() bool { return r.Err == nil }

// Decode unmarshals a successful result into v.
func (r Result) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	return json.Unmarshal(r.okValue(), v)
}

func (r Result) okValue() json.RawMessage {
	if len(r.Ok) == 0 {
		return json.RawMessage("null")
	}
	return r.Ok
}

type okWire struct {
	Ok        json.RawMessage `json:"ok"`
	PromiseID uint32          `json:"promiseId,omitempty"`
}

type errWire struct {
	Err       *ErrorPayload `json:"err"`
	PromiseID uint32        `json:"promiseId,omitempty"`
}

// MarshalJSON encodes {ok, promiseId} or {err:{code,message}, promiseId}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(errWire{Err: r.Err, PromiseID: r.PromiseID})
	}
	return json.Marshal(okWire{Ok: r.okValue(), PromiseID: r.PromiseID})
}

// UnmarshalJSON accepts either result shape.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw struct {
		Ok        json.RawMessage `json:"ok"`
		Err       json.RawMessage `json:"err"`
		PromiseID uint32          `json:"promiseId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Result{PromiseID: raw.PromiseID}

	if len(raw.Err) > 0 && !bytes.Equal(raw.Err, []byte("null")) {
		var p ErrorPayload
		if err := json.Unmarshal(raw.Err, &p); err != nil {
			return fmt.Errorf("decode error payload: %w", err)
		}
		if p.Code == "" {
			return errors.New(errors.PhaseDecode, errors.KindInvalidData).Detail("error payload without code").Build()
		}
		r.Err = &p
		return nil
	}
	if raw.Ok == nil {
		return errors.New(errors.PhaseDecode, errors.KindInvalidData).Detail("result has neither ok nor err").Build()
	}
	r.Ok = raw.Ok
	return nil
}

// OkResult encodes v as a successful result.
func OkResult(promiseID uint32, v any) (Result, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return Result{Ok: raw, PromiseID: promiseID}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "encode op result")
	}
	return Result{Ok: data, PromiseID: promiseID}, nil
}
