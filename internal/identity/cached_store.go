package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
)

// CachedStore is a read-through cache over another Store. Login traffic
// hits the same few records repeatedly; the cache keeps those reads off
// the backend. Writes invalidate, so the next read refills from the
// backend. Staleness is bounded by the TTL, which also bounds how long a
// lock set by another process can go unseen here.
type CachedStore struct {
	logger *zap.Logger
	inner  Store
	cache  *bigcache.BigCache

	ttl time.Duration
}

// NewCachedStore wraps inner with a TTL-bounded cache.
func NewCachedStore(inner Store, ttl time.Duration, logger *zap.Logger) (*CachedStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	config := bigcache.Config{
		Shards:             64,
		LifeWindow:         ttl,
		CleanWindow:        ttl,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       1024,
		Verbose:            false,
	}
	cache, err := bigcache.NewBigCache(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity cache: %w", err)
	}

	return &CachedStore{
		logger: logger.Named("identity.cache"),
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
	}, nil
}

func (s *CachedStore) Get(ctx context.Context, username string) (*Record, error) {
	if raw, err := s.cache.Get(username); err == nil {
		var record Record
		if err := json.Unmarshal(raw, &record); err == nil {
			return &record, nil
		}
		_ = s.cache.Delete(username)
	}

	record, err := s.inner.Get(ctx, username)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(record); err == nil {
		if err := s.cache.Set(username, raw); err != nil {
			s.logger.Debug("cache fill failed", zap.String("username", username), zap.Error(err))
		}
	}
	return record, nil
}

func (s *CachedStore) Set(ctx context.Context, record *Record) error {
	if err := s.inner.Set(ctx, record); err != nil {
		return err
	}
	if record != nil && record.Username != "" {
		_ = s.cache.Delete(record.Username)
	}
	return nil
}

func (s *CachedStore) Close() error {
	_ = s.cache.Close()
	return s.inner.Close()
}
