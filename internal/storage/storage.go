// Package storage persists job records, purchase download counters, render
// status and breaker health snapshots. Store is backed by Postgres; Memory is
// an in-process twin with the same atomicity guarantees.
package storage

import (
	"context"
	"time"

	"github.com/SirClappington/renderq/internal/domain"
)

// JobStore is the Job Record Store.
type JobStore interface {
	CreateJob(ctx context.Context, j *domain.Job) error
	// SetStatus advances a job. Moving to the status it already holds is a
	// no-op; any other illegal move returns domain.ErrInvalidTransition.
	// started_at and finished_at are written at most once.
	SetStatus(ctx context.Context, id string, to domain.Status, at time.Time, jobErr *domain.JobError) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// PurgeFinished deletes terminal jobs that finished before the cutoff.
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

// TokenState is the download-token bookkeeping held on a purchase.
type TokenState struct {
	PurchaseID   string
	FileRef      string
	Token        string
	Version      int64
	ExpiresAt    time.Time
	AttemptsUsed int
	MaxAttempts  int
}

// PurchaseStore holds per-purchase token generations and attempt counters.
type PurchaseStore interface {
	// NextTokenVersion starts a new token generation: the version is bumped,
	// attempts reset to zero and the new expiry and limit recorded. Tokens
	// of older versions stop validating as soon as this returns.
	NextTokenVersion(ctx context.Context, purchaseID, fileRef string, expiresAt time.Time, maxAttempts int) (int64, error)
	// SaveToken records the signed token for version, if still current.
	SaveToken(ctx context.Context, purchaseID string, version int64, token string) error
	// ConsumeAttempt increments attempts_used by one in a single conditional
	// step. It fails with domain.ErrInvalidToken when version is not the
	// current one and domain.ErrAttemptsExceeded when the limit is reached.
	ConsumeAttempt(ctx context.Context, purchaseID string, version int64) (TokenState, error)
	GetTokenState(ctx context.Context, purchaseID string) (TokenState, error)
}

// RenderStore is the narrow sync point into the render entity.
type RenderStore interface {
	UpdateRenderStatus(ctx context.Context, renderID string, status domain.Status, errMsg *string) error
}

// RenderCreator records a render when it is submitted.
type RenderCreator interface {
	// CreateRender inserts a queued render. Submitting a failed render again
	// moves it back to queued; any other existing render is left alone.
	CreateRender(ctx context.Context, renderID, purchaseID string) error
}

// Render is one row of the renders table.
type Render struct {
	ID         string
	PurchaseID string
	Status     domain.Status
	Error      *string
	ObjectRef  string
}

// RenderTracker is what the render job needs from the renders table.
type RenderTracker interface {
	RenderStore
	GetRender(ctx context.Context, renderID string) (Render, error)
	// CompleteRender marks a render completed and records where its
	// artifact was uploaded.
	CompleteRender(ctx context.Context, renderID, objectRef string) error
}

type HealthSnapshot struct {
	Service       string
	State         string
	FailureCount  int
	LastFailureAt *time.Time
	Healthy       bool
	CollectedAt   time.Time
}

type HealthStore interface {
	InsertHealthSnapshots(ctx context.Context, snaps []HealthSnapshot) error
	PurgeHealthSnapshots(ctx context.Context, before time.Time) (int64, error)
}

var (
	_ JobStore      = (*Store)(nil)
	_ PurchaseStore = (*Store)(nil)
	_ RenderStore   = (*Store)(nil)
	_ HealthStore   = (*Store)(nil)
	_ RenderCreator = (*Store)(nil)
	_ RenderTracker = (*Store)(nil)

	_ JobStore      = (*Memory)(nil)
	_ PurchaseStore = (*Memory)(nil)
	_ RenderStore   = (*Memory)(nil)
	_ HealthStore   = (*Memory)(nil)
	_ RenderCreator = (*Memory)(nil)
	_ RenderTracker = (*Memory)(nil)
)

// resolveNoop decides the outcome of a conditional status update that
// matched no row, given the job's current status.
func resolveNoop(current, to domain.Status) error {
	if current == to {
		return nil
	}
	return domain.ErrInvalidTransition
}
