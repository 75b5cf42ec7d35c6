package storage

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// AdvisoryLock is a Postgres session-level advisory lock used for leader
// election. The lock lives on one pooled connection, which is held for as
// long as the lock is.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewAdvisoryLock(pool *pgxpool.Pool, key int64) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, key: key}
}

// TryAcquire reports whether this process holds the lock, acquiring it if
// free. A lost session is detected by pinging the held connection.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.discard()
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, errors.Wrap(err, "pg_try_advisory_lock")
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
	if err != nil {
		l.discard()
		return errors.Wrap(err, "pg_advisory_unlock")
	}
	l.conn.Release()
	l.conn = nil
	return nil
}

// discard closes the held connection so a session that may still own the
// lock never returns to the pool. Closing the session frees the lock.
func (l *AdvisoryLock) discard() {
	_ = l.conn.Conn().Close(context.Background())
	l.conn.Release()
	l.conn = nil
}
