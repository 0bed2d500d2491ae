package ops

import (
	"time"

	"go.uber.org/zap"
)

// Observer receives one OnDispatch and one OnComplete per op execution.
type Observer interface {
	OnDispatch(op string, kind DispatchKind, bytes int)
	OnComplete(op string, kind DispatchKind, err error, elapsed time.Duration)
}

// Observe adapts an Observer into middleware. If the op panics OnComplete
// still fires before the panic continues.
func Observe(o Observer) Middleware {
	return func(next Handler) Handler {
		return func(oc *Ctx, args Args) (v any, err error) {
			o.OnDispatch(oc.Op, oc.Kind, args.Size())
			start := time.Now()
			panicked := true
			defer func() {
				if panicked {
					o.OnComplete(oc.Op, oc.Kind, errPanicked, time.Since(start))
				}
			}()
			v, err = next(oc, args)
			panicked = false
			o.OnComplete(oc.Op, oc.Kind, err, time.Since(start))
			return v, err
		}
	}
}

type panicError struct{}

func (panicError) Error() string { return "op panicked" }

var errPanicked error = panicError{}

// LoggingMiddleware logs every op execution at debug level and failures at
// warn level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(oc *Ctx, args Args) (any, error) {
			start := time.Now()
			v, err := next(oc, args)
			fields := []zap.Field{
				zap.String("op", oc.Op),
				zap.String("kind", string(oc.Kind)),
				zap.Duration("elapsed", time.Since(start)),
			}
			if oc.PromiseID != 0 {
				fields = append(fields, zap.Uint32("promise_id", oc.PromiseID))
			}
			if err != nil {
				logger.Warn("op failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("op completed", fields...)
			}
			return v, err
		}
	}
}
