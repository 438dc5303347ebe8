package identity

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(username string) *Record {
	return &Record{
		ID:         uuid.NewString(),
		Username:   username,
		Commitment: "12345678901234567890",
		Salt:       []byte{0x01, 0x02, 0x03, 0x04},
		Role:       "user",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	record := sampleRecord("alice")
	require.NoError(t, store.Set(ctx, record))

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.Commitment, got.Commitment)
	assert.Equal(t, record.Salt, got.Salt)
	assert.False(t, got.Locked)
}

func TestMemStoreIsolatesCallers(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	record := sampleRecord("alice")
	require.NoError(t, store.Set(ctx, record))

	record.Commitment = "mutated-after-set"
	record.Salt[0] = 0xFF

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567890", got.Commitment)
	assert.Equal(t, byte(0x01), got.Salt[0])

	got.Locked = true
	again, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, again.Locked, "mutating a returned record must not touch the store")
}

func TestMemStoreRejectsAnonymousRecord(t *testing.T) {
	store := NewMemStore()
	assert.Error(t, store.Set(context.Background(), nil))
	assert.Error(t, store.Set(context.Background(), &Record{}))
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore("sqlite3", filepath.Join(t.TempDir(), "identities.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	record := sampleRecord("alice")
	record.LastLogin = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Set(ctx, record))

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, record.Username, got.Username)
	assert.Equal(t, record.Commitment, got.Commitment)
	assert.Equal(t, record.Salt, got.Salt)
	assert.Equal(t, record.Role, got.Role)
	assert.False(t, got.Locked)
	assert.WithinDuration(t, record.LastLogin, got.LastLogin, time.Second)
	assert.WithinDuration(t, record.CreatedAt, got.CreatedAt, time.Second)
}

func TestSQLStoreZeroLastLogin(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, sampleRecord("alice")))

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.LastLogin.IsZero(), "an identity that never logged in reads back as zero")
}

func TestSQLStoreUpsert(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()

	record := sampleRecord("alice")
	require.NoError(t, store.Set(ctx, record))

	record.Commitment = "999"
	record.Locked = true
	require.NoError(t, store.Set(ctx, record))

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "999", got.Commitment)
	assert.True(t, got.Locked)
}

func TestSQLStoreDrivers(t *testing.T) {
	_, err := NewSQLStore("mysql", "dsn", nil)
	assert.ErrorContains(t, err, "unsupported identity database driver")

	store, err := NewSQLStore("sqlite", filepath.Join(t.TempDir(), "identities.db"), nil)
	require.NoError(t, err, "the sqlite alias should be accepted")
	assert.NoError(t, store.Close())
}

// countingStore counts reads that reach the wrapped store.
type countingStore struct {
	Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, username string) (*Record, error) {
	s.gets.Add(1)
	return s.Store.Get(ctx, username)
}

func newTestCachedStore(t *testing.T) (*CachedStore, *countingStore) {
	t.Helper()
	inner := &countingStore{Store: NewMemStore()}
	cached, err := NewCachedStore(inner, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cached.Close() })
	return cached, inner
}

func TestCachedStoreServesRepeatReadsFromCache(t *testing.T) {
	cached, inner := newTestCachedStore(t)
	ctx := context.Background()

	require.NoError(t, cached.Set(ctx, sampleRecord("alice")))

	for i := 0; i < 5; i++ {
		got, err := cached.Get(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
	}
	assert.Equal(t, int32(1), inner.gets.Load(), "only the first read hits the backend")
}

func TestCachedStoreInvalidatesOnSet(t *testing.T) {
	cached, inner := newTestCachedStore(t)
	ctx := context.Background()

	record := sampleRecord("alice")
	require.NoError(t, cached.Set(ctx, record))

	_, err := cached.Get(ctx, "alice")
	require.NoError(t, err)

	record.Locked = true
	require.NoError(t, cached.Set(ctx, record))

	got, err := cached.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.Locked, "a write must be visible to the next read")
	assert.Equal(t, int32(2), inner.gets.Load())
}

func TestCachedStoreDoesNotCacheMisses(t *testing.T) {
	cached, inner := newTestCachedStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cached.Get(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(2), inner.gets.Load(),
		"a miss is not cached: enrollment must be visible immediately")
}

// failingInner errors on writes so cache behavior can be checked.
type failingInner struct {
	Store
}

func (s *failingInner) Set(ctx context.Context, record *Record) error {
	return errors.New("backend down")
}

func TestCachedStoreSkipsInvalidationOnFailedWrite(t *testing.T) {
	inner := &countingStore{Store: NewMemStore()}
	require.NoError(t, inner.Set(context.Background(), sampleRecord("alice")))

	cached, err := NewCachedStore(&failingInner{Store: inner}, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cached.Close() })

	ctx := context.Background()
	_, err = cached.Get(ctx, "alice")
	require.NoError(t, err)

	assert.Error(t, cached.Set(ctx, sampleRecord("alice")))

	_, err = cached.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.gets.Load(),
		"the cached copy stays valid when the write never landed")
}
