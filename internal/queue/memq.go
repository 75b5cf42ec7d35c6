package queue

import (
	"context"
	"sync"
	"time"

	"github.com/SirClappington/renderq/internal/domain"
)

// MemoryQ is an in-process Backend for tests and single-binary setups.
// Envelopes are stored encoded so they go through the same codec as Redis.
type MemoryQ struct {
	mu     sync.Mutex
	lanes  map[domain.Lane][][]byte
	notify chan struct{}
}

func NewMemoryQ() *MemoryQ {
	return &MemoryQ{lanes: make(map[domain.Lane][][]byte), notify: make(chan struct{})}
}

func (q *MemoryQ) Push(_ context.Context, lane domain.Lane, env Envelope) error {
	b, err := Encode(env)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.lanes[lane] = append(q.lanes[lane], b)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
	return nil
}

func (q *MemoryQ) Pop(ctx context.Context, lanes []domain.Lane, block time.Duration) (*Envelope, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		for _, l := range lanes {
			if items := q.lanes[l]; len(items) > 0 {
				b := items[0]
				q.lanes[l] = items[1:]
				q.mu.Unlock()
				return Decode(b)
			}
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQ) Len(_ context.Context, lane domain.Lane) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lanes[lane])), nil
}
