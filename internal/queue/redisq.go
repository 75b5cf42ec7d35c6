package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/renderq/internal/domain"
)

type RedisQ struct {
	rdb    r.Cmdable
	prefix string
}

func New(rdb r.Cmdable) *RedisQ { return &RedisQ{rdb: rdb, prefix: "queue:"} }

// WithPrefix namespaces lane keys, e.g. per environment or per test.
func (q *RedisQ) WithPrefix(prefix string) *RedisQ {
	return &RedisQ{rdb: q.rdb, prefix: prefix}
}

func (q *RedisQ) key(lane domain.Lane) string { return q.prefix + string(lane) }

func (q *RedisQ) Push(ctx context.Context, lane domain.Lane, env Envelope) error {
	b, err := Encode(env)
	if err != nil {
		return err
	}
	return errors.Wrapf(q.rdb.LPush(ctx, q.key(lane), b).Err(), "push %s", lane)
}

// Pop relies on BRPOP checking its keys in argument order, so earlier lanes
// are always drained first.
func (q *RedisQ) Pop(ctx context.Context, lanes []domain.Lane, block time.Duration) (*Envelope, error) {
	if len(lanes) == 0 {
		return nil, errors.New("pop: no lanes")
	}
	keys := make([]string, len(lanes))
	for i, l := range lanes {
		keys[i] = q.key(l)
	}
	if block <= 0 {
		block = time.Second
	}
	res, err := q.rdb.BRPop(ctx, block, keys...).Result()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "brpop")
	}
	if len(res) != 2 {
		return nil, nil
	}
	return Decode([]byte(res[1]))
}

func (q *RedisQ) Len(ctx context.Context, lane domain.Lane) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key(lane)).Result()
	return n, errors.Wrapf(err, "llen %s", lane)
}
