// Package services holds the narrow contracts to external collaborators and
// the adapters behind them. Adapters classify their failures with
// resilience.Transient, resilience.RateLimited or resilience.Permanent so
// retry and breaker policy never inspect error text.
package services

import "context"

// Service names used as breaker keys.
const (
	NameRenderer    = "renderer"
	NameEncoder     = "encoder"
	NameObjectStore = "object_store"
	NameMailer      = "mailer"
)

// CaptureRequest asks the renderer to capture Source into a local file.
type CaptureRequest struct {
	RenderID string
	Source   string
	Format   string
}

// Artifact is a file produced on local disk.
type Artifact struct {
	Path        string
	ContentType string
}

type Renderer interface {
	Capture(ctx context.Context, req CaptureRequest) (Artifact, error)
}

type Encoder interface {
	Encode(ctx context.Context, in Artifact) (Artifact, error)
}

// ObjectStore uploads a local file under key and returns its reference.
type ObjectStore interface {
	Upload(ctx context.Context, key string, a Artifact) (string, error)
}

type Message struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, m Message) error
}
