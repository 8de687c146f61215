// Package usage enforces external-call budget control: per-user daily caps
// and cooldowns, a single-concurrency session lock per user, per-IP hourly
// caps, and a global daily-spend kill switch. Counters live behind the Store
// interface so a single instance can run on the in-process cache while a
// multi-instance deployment swaps in the Postgres store without changing call
// sites.
package usage

import (
	"context"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Store is the minimal keyed counter/lock surface the gate needs. All values
// expire; expired keys read as absent.
type Store interface {
	// Incr adds delta to the counter at key, creating it with the given TTL
	// when absent or expired, and returns the new value.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get returns the current value and whether the key exists.
	Get(ctx context.Context, key string) (int64, bool, error)
	// Set overwrites the value at key with the given TTL.
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	// AcquireLock atomically claims key for holder unless a live holder
	// exists. The lock expires after ttl to recover from crashed holders.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// ReleaseLock frees key if holder still owns it.
	ReleaseLock(ctx context.Context, key, holder string) error
	// Sweep removes expired entries to bound memory growth.
	Sweep(ctx context.Context) error
}

// sweepInterval bounds how long stale locks and windows survive.
const sweepInterval = 60 * time.Second

// MemoryStore is the in-process Store used for single-instance deployments.
// The embedded cache janitor handles sweeping automatically.
type MemoryStore struct {
	mu sync.Mutex
	c  *cache.Cache
}

// NewMemoryStore constructs a memory store whose janitor sweeps expired
// entries every sweepInterval.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: cache.New(cache.NoExpiration, sweepInterval)}
}

func (s *MemoryStore) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, found := s.c.Get(key); found {
		next := v.(int64) + delta
		// Increments keep the window's original expiry.
		if _, exp, ok := s.c.GetWithExpiration(key); ok {
			remaining := time.Until(exp)
			if exp.IsZero() {
				remaining = cache.NoExpiration
			}
			s.c.Set(key, next, remaining)
		}
		return next, nil
	}
	s.c.Set(key, delta, ttl)
	return delta, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.c.Get(key)
	if !found {
		return 0, false, nil
	}
	return v.(int64), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.c.Get(key); found {
		return false, nil
	}
	s.c.Set(key, holder, ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, found := s.c.Get(key); found {
		if h, ok := v.(string); ok && h == holder {
			s.c.Delete(key)
		}
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context) error {
	s.c.DeleteExpired()
	return nil
}

var _ Store = (*MemoryStore)(nil)
