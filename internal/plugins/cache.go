package plugins

import (
	"container/list"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	rediscache "github.com/streamspace/pluginhost/internal/cache"

	"github.com/streamspace/pluginhost/internal/logger"
)

const (
	mirrorOpTimeout = 2 * time.Second
	mirrorWarmTTL   = 5 * time.Minute
)

// cacheEntry is one key's stored value plus bookkeeping.
type cacheEntry struct {
	key        string
	value      interface{}
	expiresAt  time.Time
	createdAt  time.Time
	sizeBytes  int
	listElem   *list.Element
}

// CacheStats summarizes the cache's current state for the metrics surface.
type CacheStats struct {
	Size             int
	Hits             int64
	Misses           int64
	Total            int64
	EstimatedMemory  int
	OldestEntry      time.Time
	NewestEntry      time.Time
}

// Cache is the in-process TTL+LRU manifest/validation cache. It is the
// single source of truth for Get — invariant 8 requires that an
// expired entry is never observable here regardless of what a Redis
// mirror (internal/cache) might still hold.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*cacheEntry
	lru         *list.List // front = most recently used
	maxSize     int
	memoryLimit int // bytes

	hits, misses, total int64

	stopSweep chan struct{}

	// mirror is an optional Redis-backed second tier (internal/cache).
	// It never gates Get — invariant 8 stays enforced by this struct
	// alone — it only warms a miss and receives a best-effort write on
	// Set/Invalidate so another host process can reuse validated
	// manifests instead of re-parsing them from disk.
	mirror *rediscache.Cache
}

// NewCache creates a cache bounded by maxSize entries and memoryLimit
// bytes (estimated).
func NewCache(maxSize, memoryLimitBytes int) *Cache {
	return &Cache{
		entries:     make(map[string]*cacheEntry),
		lru:         list.New(),
		maxSize:     maxSize,
		memoryLimit: memoryLimitBytes,
	}
}

// SetMirror attaches the Redis mirror. A nil or disabled mirror leaves
// every mirror operation below a no-op.
func (c *Cache) SetMirror(m *rediscache.Cache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = m
}

// StartSweeper launches a background goroutine that removes expired
// entries every interval, until Stop is called.
func (c *Cache) StartSweeper(interval time.Duration) {
	c.stopSweep = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stopSweep:
				return
			}
		}
	}()
}

// Stop halts the sweeper goroutine, if running.
func (c *Cache) Stop() {
	if c.stopSweep != nil {
		close(c.stopSweep)
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(key)
		}
	}
}

// Set inserts or replaces key with the given TTL.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()

	size := estimateSize(value)
	now := time.Now()

	if existing, ok := c.entries[key]; ok {
		existing.value = value
		existing.expiresAt = now.Add(ttl)
		existing.sizeBytes = size
		c.lru.MoveToFront(existing.listElem)
	} else {
		e := &cacheEntry{key: key, value: value, expiresAt: now.Add(ttl), createdAt: now, sizeBytes: size}
		e.listElem = c.lru.PushFront(e)
		c.entries[key] = e
		c.evictIfNeeded()
	}

	mirror := c.mirror
	c.mu.Unlock()

	c.mirrorSet(mirror, key, value, ttl)
}

func (c *Cache) evictIfNeeded() {
	for len(c.entries) > c.maxSize && c.maxSize > 0 {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*cacheEntry).key)
	}

	if c.memoryLimit > 0 && c.estimateMemoryLocked() > c.memoryLimit {
		c.evictOldestPercentLocked(0.10)
	}
}

func (c *Cache) estimateMemoryLocked() int {
	total := 0
	for _, e := range c.entries {
		total += e.sizeBytes
	}
	return total
}

func (c *Cache) evictOldestPercentLocked(fraction float64) {
	n := int(float64(len(c.entries)) * fraction)
	if n < 1 {
		n = 1
	}

	type agedKey struct {
		key       string
		createdAt time.Time
	}
	aged := make([]agedKey, 0, len(c.entries))
	for k, e := range c.entries {
		aged = append(aged, agedKey{key: k, createdAt: e.createdAt})
	}
	for i := 0; i < n && len(aged) > 0; i++ {
		oldestIdx := 0
		for j := range aged {
			if aged[j].createdAt.Before(aged[oldestIdx].createdAt) {
				oldestIdx = j
			}
		}
		c.removeLocked(aged[oldestIdx].key)
		aged = append(aged[:oldestIdx], aged[oldestIdx+1:]...)
	}
}

// Get returns the value for key, reporting a miss for absent or
// expired entries (lazy deletion). A hit moves key to the front of the
// LRU order. A local miss on a manifest key falls through to the
// Redis mirror, if one is attached, before reporting a miss to the
// caller — the mirror never overrides a live local entry, only fills
// one in that this process hasn't seen or already evicted.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()

	c.total++
	e, ok := c.entries[key]
	if ok && time.Now().After(e.expiresAt) {
		c.removeLocked(key)
		ok = false
	}
	if ok {
		c.lru.MoveToFront(e.listElem)
		c.hits++
		value := e.value
		c.mu.Unlock()
		return value, true
	}

	c.misses++
	mirror := c.mirror
	c.mu.Unlock()

	if value, ok := c.mirrorGet(mirror, key); ok {
		c.Set(key, value, mirrorWarmTTL)
		return value, true
	}
	return nil, false
}

// Invalidate removes a single key, locally and from the mirror.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	c.removeLocked(key)
	mirror := c.mirror
	c.mu.Unlock()
	c.mirrorDelete(mirror, key)
}

// InvalidatePattern removes every key matching the given regular
// expression, locally and (when the pattern is also a valid Redis
// glob) from the mirror.
func (c *Cache) InvalidatePattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid cache pattern %q: %w", pattern, err)
	}

	c.mu.Lock()
	for key := range c.entries {
		if re.MatchString(key) {
			c.removeLocked(key)
		}
	}
	mirror := c.mirror
	c.mu.Unlock()

	c.mirrorDeletePattern(mirror, pattern)
	return nil
}

// mirrorSet best-effort writes a manifest entry to the Redis mirror.
// It never blocks the caller or affects local cache state — a failed
// write is logged and dropped.
func (c *Cache) mirrorSet(mirror *rediscache.Cache, key string, value interface{}, ttl time.Duration) {
	if mirror == nil || !mirror.IsEnabled() || !strings.HasPrefix(key, "manifest:") {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
		defer cancel()
		if err := mirror.Set(ctx, key, value, ttl); err != nil {
			logger.Cache().Debug().Err(err).Str("key", key).Msg("redis mirror write failed")
		}
	}()
}

// mirrorGet attempts a warm-cache read-through for a manifest key. Only
// manifest entries are mirrored (§4.8's documented scope), so any other
// key is skipped without a round trip.
func (c *Cache) mirrorGet(mirror *rediscache.Cache, key string) (interface{}, bool) {
	if mirror == nil || !mirror.IsEnabled() || !strings.HasPrefix(key, "manifest:") {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()
	var m PluginManifest
	if err := mirror.Get(ctx, key, &m); err != nil {
		return nil, false
	}
	return &m, true
}

func (c *Cache) mirrorDelete(mirror *rediscache.Cache, key string) {
	if mirror == nil || !mirror.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
		defer cancel()
		if err := mirror.Delete(ctx, key); err != nil {
			logger.Cache().Debug().Err(err).Str("key", key).Msg("redis mirror delete failed")
		}
	}()
}

// mirrorDeletePattern mirrors a pattern-based invalidation only when
// the pattern is also a safe Redis MATCH glob — the kernel's own
// namePattern/typePattern helpers emit anchored regex Redis can't
// interpret, so those are deliberately skipped rather than sent as a
// MATCH that would silently match nothing (or everything).
func (c *Cache) mirrorDeletePattern(mirror *rediscache.Cache, pattern string) {
	if mirror == nil || !mirror.IsEnabled() || !looksLikeRedisGlob(pattern) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
		defer cancel()
		if err := mirror.DeletePattern(ctx, pattern); err != nil {
			logger.Cache().Debug().Err(err).Str("pattern", pattern).Msg("redis mirror pattern delete failed")
		}
	}()
}

func looksLikeRedisGlob(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '^', '$', '(', ')', '[', ']', '+', '\\':
			return false
		}
	}
	return true
}

// MirrorStats reports the Redis mirror's connection-pool statistics
// for the metrics surface, or {"enabled":"false"} when none is attached.
func (c *Cache) MirrorStats() map[string]string {
	c.mu.Lock()
	mirror := c.mirror
	c.mu.Unlock()

	if mirror == nil {
		return map[string]string{"enabled": "false"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()
	return mirror.GetStats(ctx)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lru = list.New()
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.lru.Remove(e.listElem)
	delete(c.entries, key)
}

// Stats reports current size, hit/miss counters, and estimated memory.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:            len(c.entries),
		Hits:            c.hits,
		Misses:          c.misses,
		Total:           c.total,
		EstimatedMemory: c.estimateMemoryLocked(),
	}
	for _, e := range c.entries {
		if stats.OldestEntry.IsZero() || e.createdAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.createdAt
		}
		if stats.NewestEntry.IsZero() || e.createdAt.After(stats.NewestEntry) {
			stats.NewestEntry = e.createdAt
		}
	}
	return stats
}

func estimateSize(value interface{}) int {
	switch v := value.(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	default:
		return 256 // coarse estimate for structured values
	}
}

// Key construction helpers, matching spec §4.8.

func manifestKey(name, version string) string {
	if version == "" {
		return fmt.Sprintf("manifest:%s", name)
	}
	return fmt.Sprintf("manifest:%s:%s", name, version)
}

func validationKey(checksum, kind string) string {
	return fmt.Sprintf("validation:%s:%s", checksum, kind)
}

func dependenciesKey(name string) string {
	return fmt.Sprintf("dependencies:%s", name)
}

func metadataKey(name, version string) string {
	if version == "" {
		return fmt.Sprintf("metadata:%s", name)
	}
	return fmt.Sprintf("metadata:%s:%s", name, version)
}

// namePattern returns a regex matching any key for the given plugin
// name regardless of its type prefix, e.g. "^[^:]+:name(?::|$)".
func namePattern(name string) string {
	return fmt.Sprintf(`^[^:]+:%s(?::|$)`, regexp.QuoteMeta(name))
}

// typePattern returns a regex matching every key under a type prefix.
func typePattern(prefix string) string {
	return fmt.Sprintf(`^%s:`, regexp.QuoteMeta(prefix))
}
