package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// record reads. Writes go to the primary store and invalidate the touched
// keys; set queries always go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, batch Batch) error {
	if err := s.primary.Apply(ctx, batch); err != nil {
		return err
	}
	var touched []string
	for _, op := range batch {
		if op.Kind == OpPut || op.Kind == OpDelete {
			touched = append(touched, cacheKey(op.Key))
		}
	}
	// Next read will re-populate.
	if len(touched) > 0 {
		s.rdb.Del(ctx, touched...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, key Key) ([]byte, error) {
	data, err := s.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		// Cache unavailable; the primary stays authoritative.
		return s.primary.Get(ctx, key)
	}

	data, err = s.primary.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, cacheKey(key), data, s.ttl)
	return data, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) SetMembers(ctx context.Context, set Key, offset, limit int) ([]Key, error) {
	return s.primary.SetMembers(ctx, set, offset, limit)
}

func (s *CachedStore) SetCount(ctx context.Context, set Key) (int, error) {
	return s.primary.SetCount(ctx, set)
}

func (s *CachedStore) SetContains(ctx context.Context, set Key, member Key) (bool, error) {
	return s.primary.SetContains(ctx, set, member)
}

func cacheKey(k Key) string { return "kv:" + k.String() }
