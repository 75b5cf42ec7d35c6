package resilience

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// RetryPolicy configures Retry. The zero value runs fn exactly once.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BackoffFactor scales the exponential delay: factor * 2^(attempt-1).
	BackoffFactor time.Duration
	// Retryable selects which failures consume a retry. Defaults to
	// DefaultRetryable.
	Retryable func(error) bool
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Backoff returns the delay to wait after the given failed attempt
// (1-indexed).
func Backoff(factor time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(factor) * math.Pow(2, float64(attempt-1)))
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or
// p.MaxRetries+1 attempts have been made. The final error keeps its
// original type and is decorated with the attempt count.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	_, err := RetryValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryValue is the value-returning form of Retry.
func RetryValue[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var zero T
	for attempt := 1; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return zero, err
		}
		if attempt > p.MaxRetries {
			return zero, errors.WithMessagef(err, "gave up after %d attempt(s)", attempt)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, errors.Wrapf(ctxErr, "retry aborted after %d attempt(s), last error: %v", attempt, err)
		}
		if sleepErr := sleep(ctx, Backoff(p.BackoffFactor, attempt)); sleepErr != nil {
			return zero, errors.Wrapf(sleepErr, "retry aborted after %d attempt(s), last error: %v", attempt, err)
		}
	}
}
