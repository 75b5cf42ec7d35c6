// Package queue provides the lane-based queue backends workers dequeue from.
// Lanes are plain FIFO lists; priority comes from the order a consumer lists
// them in when it pops.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/SirClappington/renderq/internal/domain"
)

// Envelope is what travels through a lane. It carries enough to execute the
// job without consulting the record store.
type Envelope struct {
	JobID      string           `msgpack:"id"`
	Lane       domain.Lane      `msgpack:"lane"`
	Handler    string           `msgpack:"handler"`
	Args       []byte           `msgpack:"args"`
	EnqueuedAt time.Time        `msgpack:"enqueued_at"`
	Error      *domain.JobError `msgpack:"error,omitempty"`
}

// Backend is the queue contract the job layer depends on. Pop must hand a
// given envelope to at most one caller.
type Backend interface {
	Push(ctx context.Context, lane domain.Lane, env Envelope) error
	// Pop takes the next envelope from the first non-empty lane in lanes,
	// waiting up to block. It returns nil, nil when nothing arrived.
	Pop(ctx context.Context, lanes []domain.Lane, block time.Duration) (*Envelope, error)
	Len(ctx context.Context, lane domain.Lane) (int64, error)
}

var (
	_ Backend = (*RedisQ)(nil)
	_ Backend = (*MemoryQ)(nil)
)

func Encode(env Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return b, nil
}

func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &env, nil
}
