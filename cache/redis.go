// Package cache holds the Redis-backed availability cache and position
// locker used when the engine runs on more than one replica.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/warp/lot-engine/fifo"
)

const defaultPrefix = "fifo:avail"

// RedisCache implements fifo.AvailabilityCache. Values are decimal strings
// under "<prefix>:<location>|<item>" with a TTL, so an entry missed by an
// invalidation still ages out.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ fifo.AvailabilityCache = (*RedisCache)(nil)

// NewRedisCache wraps a client. A zero ttl keeps entries until invalidated.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: defaultPrefix}
}

// WithPrefix returns a copy writing under another key prefix.
func (c *RedisCache) WithPrefix(prefix string) *RedisCache {
	cp := *c
	cp.prefix = prefix
	return &cp
}

func (c *RedisCache) key(k fifo.PairKey) string {
	return c.prefix + ":" + k.String()
}

// Get implements fifo.AvailabilityCache.
func (c *RedisCache) Get(ctx context.Context, k fifo.PairKey) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, c.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("cache get %s: %w", k, err)
	}
	qty, err := decimal.NewFromString(raw)
	if err != nil {
		// A garbled entry is a miss; the fill overwrites it.
		return decimal.Zero, false, nil
	}
	return qty, true, nil
}

// Set implements fifo.AvailabilityCache.
func (c *RedisCache) Set(ctx context.Context, k fifo.PairKey, qty decimal.Decimal) error {
	if err := c.client.Set(ctx, c.key(k), qty.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", k, err)
	}
	return nil
}

// Invalidate implements fifo.AvailabilityCache.
func (c *RedisCache) Invalidate(ctx context.Context, keys ...fifo.PairKey) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = c.key(k)
	}
	if err := c.client.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
