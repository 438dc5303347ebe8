package defense

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisClient is the slice of the go-redis API this store depends on,
// kept narrow so tests can substitute a fake.
type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStore is the CounterStore for multi-node deployments. Counters use
// INCR with an expiry anchored at the first failure, which approximates
// the sliding window at one round trip per failure.
type RedisStore struct {
	client redisClient
	prefix string
	logger *zap.Logger
}

// NewRedisStore wraps an established client. Use DialRedis to create one.
func NewRedisStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
		logger: logger.Named("defense.redis"),
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
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	full := s.key(key)
	count, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, full, window).Err(); err != nil {
			return count, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return count, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	count, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds non-numeric value %q", key, value)
	}
	return count, nil
}

func (s *RedisStore) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func (s *RedisStore) SetNotBefore(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), t.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("set not-before %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetNotBefore(ctx context.Context, key string) (time.Time, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get not-before %s: %w", key, err)
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("not-before %s holds non-numeric value %q", key, value)
	}
	return time.UnixMilli(millis), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
