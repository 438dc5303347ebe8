// Package identity stores the enrolled records that login attempts are
// verified against. A record carries the derived commitment and its salt,
// never the secret.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound reports an unknown username. Callers on the login path must
// not let this surface to clients; an unknown name answers exactly like a
// wrong credential.
var ErrNotFound = errors.New("identity not found")

// Record is one enrolled identity.
type Record struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Commitment string    `json:"commitment"`
	Salt       []byte    `json:"salt"`
	Locked     bool      `json:"locked"`
	Role       string    `json:"role,omitempty"`
	LastLogin  time.Time `json:"last_login"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Salt = append([]byte(nil), r.Salt...)
	return &clone
}

// Store reads and writes identity records. Get returns ErrNotFound for
// unknown usernames; Set creates or replaces the record keyed by its
// username.
type Store interface {
	Get(ctx context.Context, username string) (*Record, error)
	Set(ctx context.Context, record *Record) error
	Close() error
}

// MemStore is the in-process Store, used by tests and dry runs.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (s *MemStore) Get(ctx context.Context, username string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[username]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemStore) Set(ctx context.Context, record *Record) error {
	if record == nil || record.Username == "" {
		return errors.New("record must carry a username")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Username] = record.Clone()
	return nil
}

func (s *MemStore) Close() error { return nil }
