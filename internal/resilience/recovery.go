package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/logging"
)

// Func is the shape of every guarded external-service call.
type Func[A, T any] func(ctx context.Context, args A) (T, error)

// Policy describes how one external operation is protected.
type Policy struct {
	Service        string
	Operation      string
	MaxRetries     int
	BackoffFactor  time.Duration
	CircuitBreaker bool
	// Timeout bounds each attempt separately. Zero means no per-attempt
	// deadline beyond the caller's context.
	Timeout   time.Duration
	Retryable func(error) bool
	// RateLimit caps attempts per second against Service. Zero disables it.
	RateLimit rate.Limit
	RateBurst int
}

// Facade composes breaker, retry and fallback around external calls.
// Order, innermost first: per-attempt timeout, breaker, retry, fallback.
type Facade struct {
	breakers *Registry
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type FacadeOption func(*Facade)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) FacadeOption {
	return func(f *Facade) { f.sleep = fn }
}

func NewFacade(breakers *Registry, logger *zap.Logger, opts ...FacadeOption) *Facade {
	f := &Facade{
		breakers: breakers,
		logger:   logging.OrNop(logger),
		sleep:    SleepContext,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Facade) Breakers() *Registry { return f.breakers }

func (f *Facade) limiter(p Policy) *rate.Limiter {
	if p.RateLimit <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[p.Service]
	if !ok {
		burst := p.RateBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(p.RateLimit, burst)
		f.limiters[p.Service] = l
	}
	return l
}

// WithErrorRecovery wraps fn according to p. When every attempt fails and
// fallback is non-nil, fallback is called with the original arguments and its
// result returned; a failing fallback yields a composite error. Without a
// fallback the failure surfaces as *domain.ExternalServiceError.
func WithErrorRecovery[A, T any](f *Facade, p Policy, fn Func[A, T], fallback Func[A, T]) Func[A, T] {
	return func(ctx context.Context, args A) (T, error) {
		var zero T
		attempts := 0

		attempt := func(ctx context.Context) (T, error) {
			attempts++
			if l := f.limiter(p); l != nil {
				if err := l.Wait(ctx); err != nil {
					return zero, err
				}
			}
			if p.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, p.Timeout)
				defer cancel()
			}
			call := func(ctx context.Context) (T, error) { return fn(ctx, args) }
			if p.CircuitBreaker && f.breakers != nil {
				return Do(ctx, f.breakers.Breaker(p.Service), call)
			}
			return call(ctx)
		}

		res, err := RetryValue(ctx, RetryPolicy{
			MaxRetries:    p.MaxRetries,
			BackoffFactor: p.BackoffFactor,
			Retryable:     p.Retryable,
			Sleep:         f.sleep,
		}, attempt)
		if err == nil {
			return res, nil
		}

		f.logger.Error("external service call failed",
			zap.String("service", p.Service),
			zap.String("operation", p.Operation),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		extErr := &domain.ExternalServiceError{
			Service:   p.Service,
			Operation: p.Operation,
			Attempts:  attempts,
			Err:       err,
		}
		if fallback == nil {
			return zero, extErr
		}

		f.logger.Warn("external service fallback applied",
			zap.String("service", p.Service),
			zap.String("operation", p.Operation),
			zap.Bool("degraded", true),
		)
		res, fbErr := fallback(ctx, args)
		if fbErr != nil {
			return zero, multierr.Append(extErr, errors.Wrapf(fbErr, "%s.%s fallback", p.Service, p.Operation))
		}
		return res, nil
	}
}

// Call is WithErrorRecovery for operations with no arguments or result.
func (f *Facade) Call(ctx context.Context, p Policy, fn func(context.Context) error) error {
	wrapped := WithErrorRecovery(f, p, func(ctx context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	_, err := wrapped(ctx, struct{}{})
	return err
}
