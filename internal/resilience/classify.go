package resilience

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/domain"
)

type class uint8

const (
	classTransient class = iota + 1
	classRateLimited
	classPermanent
)

// classified carries the adapter's verdict on an error so retry and breaker
// policy never has to inspect error text.
type classified struct {
	err   error
	class class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

func mark(err error, c class) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: c}
}

// Transient marks err as a failure worth retrying (timeouts, 5xx, dropped
// connections).
func Transient(err error) error { return mark(err, classTransient) }

// RateLimited marks err as a throttling response from the remote side.
func RateLimited(err error) error { return mark(err, classRateLimited) }

// Permanent marks err as a failure that will not change on retry (bad
// input, auth rejected, not found). Permanent errors never trip a breaker.
func Permanent(err error) error { return mark(err, classPermanent) }

func classOf(err error) class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return 0
}

func IsPermanent(err error) bool   { return classOf(err) == classPermanent }
func IsRateLimited(err error) bool { return classOf(err) == classRateLimited }

// IsTransient reports whether err was marked transient or rate limited, or is
// a timeout (per-call deadline or network timeout).
func IsTransient(err error) bool {
	switch classOf(err) {
	case classTransient, classRateLimited:
		return true
	case classPermanent:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// DefaultRetryable retries everything except permanent failures, open
// breakers and caller cancellation.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case IsPermanent(err):
		return false
	case errors.Is(err, domain.ErrServiceUnavailable):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// RetryOn returns a predicate matching any of targets via errors.Is.
func RetryOn(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// DefaultTrips counts every failure against the breaker except permanent
// client errors and caller cancellation.
func DefaultTrips(err error) bool {
	return err != nil && !IsPermanent(err) && !errors.Is(err, context.Canceled)
}
