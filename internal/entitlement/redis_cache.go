package entitlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halcyonchat/halcyon/internal/logging"
)

// RedisCache stores entitlements in Redis so invalidation takes effect across
// all service replicas. Backend failures degrade to cache misses; the
// database stays the authority.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed entitlement cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) key(userID string) string {
	return CacheKeyPrefix + userID
}

func (c *RedisCache) Get(ctx context.Context, userID string) (*Entitlement, bool) {
	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logging.L(ctx).Warn("entitlement cache read failed", "error", err)
		return nil, false
	}

	var e Entitlement
	if err := json.Unmarshal(data, &e); err != nil {
		// Corrupt entry: drop it and resolve fresh.
		_ = c.client.Del(ctx, c.key(userID)).Err()
		return nil, false
	}
	return &e, true
}

func (c *RedisCache) Set(ctx context.Context, userID string, e *Entitlement) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(userID), data, c.ttl).Err(); err != nil {
		logging.L(ctx).Warn("entitlement cache write failed", "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		logging.L(ctx).Warn("entitlement cache invalidate failed", "error", err)
	}
}

// InvalidateAll scans the keyspace for entitlement entries and deletes them
// in batches. Used after the monthly sweep.
func (c *RedisCache) InvalidateAll(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, CacheKeyPrefix+"*", 500).Result()
		if err != nil {
			logging.L(ctx).Warn("entitlement cache scan failed", "error", err)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				logging.L(ctx).Warn("entitlement cache bulk delete failed", "error", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

var _ Cache = (*RedisCache)(nil)
