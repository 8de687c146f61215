package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store for multi-instance deployments, where
// counters and locks must be shared across processes. Expiry is evaluated at
// read time; Sweep deletes dead rows to bound table growth.
type PGStore struct {
	pool *pgxpool.Pool
}

const qEnsureCounters = `
CREATE TABLE IF NOT EXISTS usage_counters (
    key        text PRIMARY KEY,
    value      bigint NOT NULL,
    expires_at timestamptz NOT NULL
)`

const qEnsureLocks = `
CREATE TABLE IF NOT EXISTS usage_locks (
    key        text PRIMARY KEY,
    holder     text NOT NULL,
    expires_at timestamptz NOT NULL
)`

const qIncrCounter = `
INSERT INTO usage_counters (key, value, expires_at)
VALUES ($1, $2, now() + $3)
ON CONFLICT (key) DO UPDATE SET
    value = CASE WHEN usage_counters.expires_at <= now()
                 THEN EXCLUDED.value
                 ELSE usage_counters.value + EXCLUDED.value END,
    expires_at = CASE WHEN usage_counters.expires_at <= now()
                      THEN EXCLUDED.expires_at
                      ELSE usage_counters.expires_at END
RETURNING value`

const qGetCounter = `
SELECT value FROM usage_counters WHERE key = $1 AND expires_at > now()`

const qSetCounter = `
INSERT INTO usage_counters (key, value, expires_at)
VALUES ($1, $2, now() + $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`

const qAcquireLock = `
INSERT INTO usage_locks (key, holder, expires_at)
VALUES ($1, $2, now() + $3)
ON CONFLICT (key) DO UPDATE SET
    holder = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at
WHERE usage_locks.expires_at <= now()
RETURNING holder`

const qReleaseLock = `
DELETE FROM usage_locks WHERE key = $1 AND holder = $2`

const qSweepCounters = `
DELETE FROM usage_counters WHERE expires_at <= now()`

const qSweepLocks = `
DELETE FROM usage_locks WHERE expires_at <= now()`

// NewPGStore creates the backing tables when missing and returns the store.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	if _, err := pool.Exec(ctx, qEnsureCounters); err != nil {
		return nil, fmt.Errorf("usage: ensure schema: %w", err)
	}
	if _, err := pool.Exec(ctx, qEnsureLocks); err != nil {
		return nil, fmt.Errorf("usage: ensure schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var value int64
	if err := s.pool.QueryRow(ctx, qIncrCounter, key, delta, ttl).Scan(&value); err != nil {
		return 0, fmt.Errorf("usage: incr %q: %w", key, err)
	}
	return value, nil
}

func (s *PGStore) Get(ctx context.Context, key string) (int64, bool, error) {
	var value int64
	err := s.pool.QueryRow(ctx, qGetCounter, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("usage: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *PGStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if _, err := s.pool.Exec(ctx, qSetCounter, key, value, ttl); err != nil {
		return fmt.Errorf("usage: set %q: %w", key, err)
	}
	return nil
}

func (s *PGStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := s.pool.QueryRow(ctx, qAcquireLock, key, holder, ttl).Scan(&got)
	if err == pgx.ErrNoRows {
		// A live holder exists; the upsert's WHERE clause filtered the row.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("usage: acquire lock %q: %w", key, err)
	}
	return got == holder, nil
}

func (s *PGStore) ReleaseLock(ctx context.Context, key, holder string) error {
	if _, err := s.pool.Exec(ctx, qReleaseLock, key, holder); err != nil {
		return fmt.Errorf("usage: release lock %q: %w", key, err)
	}
	return nil
}

func (s *PGStore) Sweep(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, qSweepCounters); err != nil {
		return fmt.Errorf("usage: sweep: %w", err)
	}
	if _, err := s.pool.Exec(ctx, qSweepLocks); err != nil {
		return fmt.Errorf("usage: sweep: %w", err)
	}
	return nil
}

var _ Store = (*PGStore)(nil)
