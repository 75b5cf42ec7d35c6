package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/renderq/internal/domain"
	"github.com/SirClappington/renderq/internal/logging"
	"github.com/SirClappington/renderq/internal/queue"
	"github.com/SirClappington/renderq/internal/storage"
)

// Client enqueues jobs and reads their status.
type Client struct {
	store   storage.JobStore
	backend queue.Backend
	logger  *zap.Logger
	now     func() time.Time
}

func NewClient(store storage.JobStore, backend queue.Backend, logger *zap.Logger) *Client {
	return &Client{store: store, backend: backend, logger: logging.OrNop(logger), now: time.Now}
}

// Enqueue records a new queued job and pushes it onto lane. args is
// marshalled to JSON. Every call creates a fresh job id; retrying a finished
// job means enqueueing it again.
func (c *Client) Enqueue(ctx context.Context, lane domain.Lane, handler string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", errors.Wrapf(err, "encode args for %q", handler)
	}
	return c.EnqueueRaw(ctx, lane, handler, raw)
}

func (c *Client) EnqueueRaw(ctx context.Context, lane domain.Lane, handler string, args []byte) (string, error) {
	j := &domain.Job{
		ID:         uuid.NewString(),
		Lane:       lane,
		Handler:    handler,
		Args:       args,
		Status:     domain.Queued,
		EnqueuedAt: c.now().UTC(),
	}
	if err := c.store.CreateJob(ctx, j); err != nil {
		return "", err
	}
	err := c.backend.Push(ctx, lane, queue.Envelope{
		JobID:      j.ID,
		Lane:       lane,
		Handler:    handler,
		Args:       args,
		EnqueuedAt: j.EnqueuedAt,
	})
	if err != nil {
		return "", errors.Wrapf(err, "enqueue job %s", j.ID)
	}
	c.logger.Debug("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("lane", string(lane)),
		zap.String("handler", handler),
	)
	return j.ID, nil
}

// Status returns the persisted record for id.
func (c *Client) Status(ctx context.Context, id string) (*domain.Job, error) {
	return c.store.GetJob(ctx, id)
}
