package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis connection configuration
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// RedisStore shares counters between instances through Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Incr runs INCR, sets the expiry only when the key has none, and reads the
// remaining TTL in one MULTI block.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return int(incr.Val()), remaining, nil
}

// Close closes the Redis client connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
