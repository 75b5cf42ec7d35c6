package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrServiceUnavailable means a circuit breaker is open and the call was
	// not attempted.
	ErrServiceUnavailable = errors.New("service temporarily unavailable")

	ErrInvalidToken     = errors.New("download token is invalid")
	ErrTokenExpired     = errors.New("download token has expired")
	ErrAttemptsExceeded = errors.New("download attempts exceeded")

	ErrJobNotFound       = errors.New("job not found")
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrRenderNotFound    = errors.New("render not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// ExternalServiceError is returned by the resilient call façade once retries,
// the breaker and any fallback are exhausted.
type ExternalServiceError struct {
	Service   string
	Operation string
	Attempts  int
	Err       error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s.%s failed after %d attempt(s): %v", e.Service, e.Operation, e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// JobExecutionError records why a job handler failed.
type JobExecutionError struct {
	JobID   string
	Handler string
	Kind    string
	Err     error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (%s) failed: %v", e.JobID, e.Handler, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// Kind is a coarse error classification used for persistence and for
// mapping errors to user-facing responses.
type Kind string

const (
	KindServiceUnavailable Kind = "service_unavailable"
	KindExternalService    Kind = "external_service_error"
	KindInvalidToken       Kind = "invalid_token"
	KindTokenExpired       Kind = "token_expired"
	KindAttemptsExceeded   Kind = "attempts_exceeded"
	KindJobExecution       Kind = "job_execution_failed"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal"
)

// KindOf classifies err. Order matters: an ExternalServiceError wrapping an
// open breaker is reported as an external service error.
func KindOf(err error) Kind {
	var ext *ExternalServiceError
	var exec *JobExecutionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ext):
		return KindExternalService
	case errors.Is(err, ErrServiceUnavailable):
		return KindServiceUnavailable
	case errors.Is(err, ErrInvalidToken):
		return KindInvalidToken
	case errors.Is(err, ErrTokenExpired):
		return KindTokenExpired
	case errors.Is(err, ErrAttemptsExceeded):
		return KindAttemptsExceeded
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrPurchaseNotFound), errors.Is(err, ErrRenderNotFound):
		return KindNotFound
	case errors.As(err, &exec):
		return KindJobExecution
	default:
		return KindInternal
	}
}
