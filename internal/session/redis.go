package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps sessions in Redis with native key expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("session: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Load(ctx context.Context, token string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("session: failed to decode record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Save(ctx context.Context, rec *Record, ttl time.Duration) error {
	if rec.Token == "" {
		return fmt.Errorf("session: missing token")
	}
	if ttl <= 0 {
		return fmt.Errorf("session: ttl must be positive")
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("session: failed to encode record: %w", err)
	}
	return s.client.Set(ctx, s.key(rec.Token), data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

// GC is a no-op; Redis expires keys itself.
func (s *RedisStore) GC(context.Context, time.Duration) (int, error) { return 0, nil }

func (s *RedisStore) Close() error {
	return s.client.Close()
}
