package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	floodWindow = 10 * time.Second
	floodLimit  = 20 // accepted chat messages per key per window
)

// RedisStore provides the optional chat flood limiter. The relay runs
// fine without it; every check is best-effort and a Redis failure never
// rejects a message.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// floodKey returns the key for a sender's flood counter.
func floodKey(publicKey string) string {
	return fmt.Sprintf("flood:%s", publicKey)
}

// AllowChat reports whether a sender is under the flood limit and
// increments its counter. Fails open on any Redis error.
func (s *RedisStore) AllowChat(ctx context.Context, publicKey string) bool {
	key := floodKey(publicKey)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, floodWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return true
	}
	return incr.Val() <= floodLimit
}
