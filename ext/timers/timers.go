// Package timers provides clock and sleep ops.
package timers

import (
	"time"

	"github.com/wippyai/opbridge/ops"
)

// Extension returns the timers extension.
func Extension() ops.Extension {
	return ops.Extension{
		Name: "timers",
		Ops: []ops.Decl{
			ops.Async("op_sleep", opSleep),
			ops.Sync("op_now", opNow).WithFast(opNowFast),
		},
	}
}

type sleepArgs struct {
	Ms int64 `json:"ms"`
}

// opSleep resolves after ms milliseconds. It ends early with Interrupted
// when the context is torn down.
func opSleep(oc *ops.Ctx, a sleepArgs) (any, error) {
	if a.Ms <= 0 {
		return nil, nil
	}
	t := time.NewTimer(time.Duration(a.Ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-oc.Done():
		return nil, oc.Err()
	}
}

// opNow returns milliseconds since the Unix epoch.
func opNow(*ops.Ctx, struct{}) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func opNowFast(*ops.Ctx, ...int64) (int64, error) {
	return time.Now().UnixMilli(), nil
}
