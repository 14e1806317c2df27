package plugins

import (
	"testing"
	"time"
)

func TestCacheGetSetExpiry(t *testing.T) {
	c := NewCache(10, 0)

	c.Set("k1", "v1", 20*time.Millisecond)
	if v, ok := c.Get("k1"); !ok || v != "v1" {
		t.Fatalf("expected hit immediately after set, got %v %v", v, ok)
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("k1"); ok {
		t.Fatal("expected miss after ttl elapsed")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(10, 0)
	c.Set("k1", "v1", time.Minute)
	c.Invalidate("k1")
	if _, ok := c.Get("k1"); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestCacheInvalidatePattern(t *testing.T) {
	c := NewCache(10, 0)
	c.Set(manifestKey("foo", ""), "a", time.Minute)
	c.Set(manifestKey("bar", ""), "b", time.Minute)

	if err := c.InvalidatePattern(namePattern("foo")); err != nil {
		t.Fatalf("unexpected pattern error: %v", err)
	}
	if _, ok := c.Get(manifestKey("foo", "")); ok {
		t.Fatal("expected foo entry invalidated")
	}
	if _, ok := c.Get(manifestKey("bar", "")); !ok {
		t.Fatal("expected bar entry untouched")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(2, 0)
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Get("a") // a is now most-recently-used
	c.Set("c", 3, time.Minute) // should evict b, the LRU entry

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted as least-recently-used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to be present")
	}
}
