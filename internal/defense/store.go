// Package defense implements the layered abuse controls that run before
// any proof verification: IP risk tracking, the CAPTCHA gate, progressive
// delay and the reset-on-success policy. All mutable state lives behind
// CounterStore so a node can run on process memory or on Redis.
package defense

import (
	"context"
	"sync"
	"time"
)

// CounterStore holds the pipeline's shared mutable state. Counters are
// monotone within their window; only Reset moves them down.
type CounterStore interface {
	// Incr adds one failure to key within the sliding window and returns
	// the resulting count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Get returns the current count for key.
	Get(ctx context.Context, key string) (int64, error)
	// Reset removes the given keys entirely.
	Reset(ctx context.Context, keys ...string) error
	// SetNotBefore stores the moment before which attempts are rejected.
	SetNotBefore(ctx context.Context, key string, t time.Time, ttl time.Duration) error
	// GetNotBefore returns the stored moment, or the zero time when none.
	GetNotBefore(ctx context.Context, key string) (time.Time, error)
	Close() error
}

type counterEntry struct {
	times  []time.Time
	window time.Duration
}

type notBeforeEntry struct {
	at      time.Time
	expires time.Time
}

// MemoryStore is the in-process CounterStore. Failure events are kept as
// timestamps and pruned against the window on every access, giving a true
// sliding window.
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]*counterEntry
	notBefore map[string]notBeforeEntry

	stopOnce sync.Once
	stop     chan struct{}
	now      func() time.Time
}

// NewMemoryStore creates the store and starts its expiry sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		counters:  make(map[string]*counterEntry),
		notBefore: make(map[string]notBeforeEntry),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok {
		entry = &counterEntry{}
		s.counters[key] = entry
	}
	entry.window = window
	entry.times = append(pruneTimes(entry.times, now.Add(-window)), now)
	return int64(len(entry.times)), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	entry.times = pruneTimes(entry.times, now.Add(-entry.window))
	return int64(len(entry.times)), nil
}

func (s *MemoryStore) Reset(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.counters, key)
		delete(s.notBefore, key)
	}
	return nil
}

func (s *MemoryStore) SetNotBefore(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notBefore[key] = notBeforeEntry{at: t, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetNotBefore(ctx context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.notBefore[key]
	if !ok || s.now().After(entry.expires) {
		return time.Time{}, nil
	}
	return entry.at, nil
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.counters {
		entry.times = pruneTimes(entry.times, now.Add(-entry.window))
		if len(entry.times) == 0 {
			delete(s.counters, key)
		}
	}
	for key, entry := range s.notBefore {
		if now.After(entry.expires) {
			delete(s.notBefore, key)
		}
	}
}

// pruneTimes drops timestamps at or before the cutoff. The slice is
// chronological, so the first retained index ends the scan.
func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append(times[:0:0], times[idx:]...)
}
