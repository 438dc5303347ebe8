package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisClient is the slice of the go-redis API the store depends on, so
// tests can stand in for a server.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore keeps identity records as JSON values.
type RedisStore struct {
	logger *zap.Logger
	client redisClient
	prefix string
}

// NewRedisStore wraps an established client. Use DialRedis to create one.
func NewRedisStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		logger: logger.Named("identity.redis"),
		client: client,
		prefix: keyPrefix,
	}
}

// DialRedis connects and pings so a dead backend fails startup instead of
// the first login.
func DialRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(username string) string {
	return s.prefix + "identity:" + username
}

func (s *RedisStore) Get(ctx context.Context, username string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(username)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity %q: %w", username, err)
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("identity %q holds malformed record: %w", username, err)
	}
	return &record, nil
}

func (s *RedisStore) Set(ctx context.Context, record *Record) error {
	if record == nil || record.Username == "" {
		return errors.New("record must carry a username")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode identity %q: %w", record.Username, err)
	}
	if err := s.client.Set(ctx, s.key(record.Username), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to store identity %q: %w", record.Username, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
