// Package cache wraps Redis as a best-effort, short-TTL cache for
// analytics reads. Every operation is bounded by a per-call timeout;
// any error or timeout degrades to a cache miss, so no caller may
// depend on cache contents for correctness.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sreyas62/AffiHub/prometheus"
)

// Cache is a thin JSON key-value layer over a Redis client. A nil
// *Cache is valid and behaves as an always-miss cache.
type Cache struct {
	client    *redis.Client
	ttl       time.Duration
	opTimeout time.Duration
}

// Connect creates a Cache from a redis URL ("redis://host:port/db") or
// a bare "host:port" address.
func Connect(redisURL string, ttl, opTimeout time.Duration) (*Cache, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	return &Cache{client: client, ttl: ttl, opTimeout: opTimeout}, nil
}

// GetJSON reads key into dest. It returns false on miss, error, or
// timeout, and the caller recomputes from the authoritative store. A
// disabled cache reports neither hits nor misses.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	if c == nil || c.client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		prometheus.IncCacheMiss()
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		prometheus.IncCacheMiss()
		return false
	}
	prometheus.IncCacheHit()
	return true
}

// SetJSON stores val under key with the configured TTL, best effort.
func (c *Cache) SetJSON(ctx context.Context, key string, val interface{}) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(val)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	c.client.Set(ctx, key, data, c.ttl)
}

// Delete removes keys, best effort. Keys are always precise; there is
// no wildcard invalidation.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c == nil || c.client == nil || len(keys) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	c.client.Del(ctx, keys...)
}
