package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/queue"
)

// Handler is the terminal step of a middleware chain.
type Handler func(ctx context.Context) error

// Middleware wraps job execution. It must call next unless it means to
// short-circuit.
type Middleware func(ctx context.Context, env *queue.Envelope, next Handler) error

// Chain composes middleware; the first is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, env *queue.Envelope, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, prev := mws[i], h
			h = func(ctx context.Context) error { return mw(ctx, env, prev) }
		}
		return h(ctx)
	}
}

// PanicError is returned by Recover when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Recover turns handler panics into *PanicError.
func Recover(logger *zap.Logger) Middleware {
	return func(ctx context.Context, env *queue.Envelope, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.Error("job handler panicked",
					zap.String("job_id", env.JobID),
					zap.String("handler", env.Handler),
					zap.Any("panic", r),
					zap.ByteString("stack", stack),
				)
				err = &PanicError{Value: r, Stack: stack}
			}
		}()
		return next(ctx)
	}
}

// Logging logs each execution with its duration.
func Logging(logger *zap.Logger) Middleware {
	return func(ctx context.Context, env *queue.Envelope, next Handler) error {
		fields := []zap.Field{
			zap.String("job_id", env.JobID),
			zap.String("handler", env.Handler),
			zap.String("lane", string(env.Lane)),
		}
		logger.Debug("job started", fields...)
		start := time.Now()
		err := next(ctx)
		fields = append(fields, zap.Duration("elapsed", time.Since(start)))
		if err != nil {
			logger.Error("job failed", append(fields, zap.Error(err))...)
			return err
		}
		logger.Info("job completed", fields...)
		return nil
	}
}

// Timeout bounds each execution; zero disables it.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *queue.Envelope, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
