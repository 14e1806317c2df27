// Package cache provides a Redis-backed mirror for the plugin host's
// in-process manifest/validation cache.
//
// The kernel's TTL+LRU cache (internal/plugins/cache.go) is the single
// source of truth for Get — invariant 8 in spec.md requires that an
// expired entry is never observable there, Redis or no Redis. This
// package exists purely as an optional second tier: when
// PLUGIN_CACHE_REDIS_* is configured, Set mirrors validated manifests
// and discovery results here so that a second host process sharing the
// same registry can warm its own in-process cache on startup instead of
// re-parsing and re-validating every manifest from disk.
//
// Implementation Details:
// - Uses go-redis client with connection pooling
// - Auto-reconnection on connection failures
// - Graceful fallback when Redis is unavailable (cache disabled mode)
// - Values stored as JSON for flexibility
//
// Thread Safety:
// - Redis client is thread-safe, safe for concurrent access
//
// Dependencies:
// - github.com/redis/go-redis/v9 for Redis client
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache mirrors kernel cache entries into Redis on a best-effort basis.
type Cache struct {
	client *redis.Client
}

// Config holds the mirror's connection configuration.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// NewCache creates a new Redis mirror client. When config.Enabled is
// false, the returned Cache is a no-op — every method becomes a
// silent pass-through so callers don't need to branch on whether the
// mirror is configured.
func NewCache(config Config) (*Cache, error) {
	if !config.Enabled {
		return &Cache{client: nil}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsEnabled returns whether the mirror is configured and reachable.
func (c *Cache) IsEnabled() bool {
	return c.client != nil
}

// Get retrieves a mirrored value and unmarshals it into target.
func (c *Cache) Get(ctx context.Context, key string, target interface{}) error {
	if !c.IsEnabled() {
		return fmt.Errorf("cache mirror not enabled")
	}

	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), target); err != nil {
		return fmt.Errorf("failed to unmarshal mirrored value: %w", err)
	}

	return nil
}

// Set mirrors a value with the given TTL. Errors are non-fatal to the
// caller by design — a failed mirror write never blocks a cache insert.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.IsEnabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return nil
}

// Delete removes mirrored keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.IsEnabled() {
		return nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}

// DeletePattern deletes all mirrored keys matching a pattern, mirroring
// the kernel cache's invalidatePattern semantics.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	if !c.IsEnabled() {
		return nil
	}

	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	keys := []string{}

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys with pattern %s: %w", pattern, err)
	}

	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}

	return nil
}

// GetStats returns mirror pool statistics for the metrics endpoint.
func (c *Cache) GetStats(ctx context.Context) map[string]string {
	if !c.IsEnabled() {
		return map[string]string{"enabled": "false"}
	}

	poolStats := c.client.PoolStats()

	return map[string]string{
		"enabled":     "true",
		"hits":        fmt.Sprintf("%d", poolStats.Hits),
		"misses":      fmt.Sprintf("%d", poolStats.Misses),
		"total_conns": fmt.Sprintf("%d", poolStats.TotalConns),
		"idle_conns":  fmt.Sprintf("%d", poolStats.IdleConns),
	}
}
