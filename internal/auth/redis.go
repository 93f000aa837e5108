package auth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistKeyPrefix = "blacklist:"

// RedisCache implements TokenCache on top of a shared Redis client.
type RedisCache struct {
	client *redis.Client
}

var _ TokenCache = (*RedisCache)(nil)

// NewRedisCache wraps client. Returns an error when client is nil so callers
// fall back to store-only lookups explicitly.
func NewRedisCache(client *redis.Client) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("auth: redis client is required")
	}
	return &RedisCache{client: client}, nil
}

// Contains reports whether token has a live cache entry.
func (c *RedisCache) Contains(ctx context.Context, token string) (bool, error) {
	n, err := c.client.Exists(ctx, blacklistKeyPrefix+token).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Put records token with the given time-to-live.
func (c *RedisCache) Put(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, blacklistKeyPrefix+token, "1", ttl).Err()
}
