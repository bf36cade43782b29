// Package cache provides bounded in-memory TTL caches and cache warming.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
)

const (
	defaultCapacity      = 1000
	defaultTTL           = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// entry represents an item in the cache
type entry[V any] struct {
	key       string
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryCacheConfig configures a MemoryCache.
type MemoryCacheConfig struct {
	// Name labels the cache in logs and metrics (e.g. "quotes")
	Name string

	// Capacity is the maximum number of entries (default 1000)
	Capacity int

	// DefaultTTL applies when Set is called without a TTL (default 5m)
	DefaultTTL time.Duration

	// SweepInterval is how often expired entries are reclaimed (default 1m)
	SweepInterval time.Duration

	// Clock overrides time.Now, for tests
	Clock func() time.Time

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Name      string `json:"name"`
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

// MemoryCache is a bounded key/value store with per-entry expiry.
//
// When a new key would exceed capacity, the entry inserted longest ago is
// evicted; reads never change that order. Expiry is checked on every read,
// and a background sweep reclaims expired entries nobody reads.
type MemoryCache[V any] struct {
	name       string
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time
	metrics    *observability.Metrics
	logger     *observability.Logger

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front is the oldest insertion
	stats CacheStats

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a cache and starts its sweep goroutine. Call Close
// when done with it.
func NewMemoryCache[V any](cfg MemoryCacheConfig) *MemoryCache[V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &MemoryCache[V]{
		name:       cfg.Name,
		capacity:   cfg.Capacity,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		stopCh:     make(chan struct{}),
	}

	go c.sweepLoop(cfg.SweepInterval)

	return c
}

// Get returns the live value for key. An expired entry is removed and
// reported as a miss.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	value, ok, expired := c.lookup(key)
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		ctx := context.Background()
		if ok {
			c.metrics.RecordCacheHit(ctx, c.name)
		} else {
			c.metrics.RecordCacheMiss(ctx, c.name)
		}
		if expired {
			c.metrics.RecordCacheEviction(ctx, c.name, "expired", 1)
		}
	}

	return value, ok
}

// lookup finds a live entry, dropping it if it has expired (caller must hold lock)
func (c *MemoryCache[V]) lookup(key string) (value V, ok bool, expired bool) {
	element, exists := c.items[key]
	if !exists {
		return value, false, false
	}

	e := element.Value.(*entry[V])
	if c.now().After(e.expiresAt) {
		c.remove(element)
		c.stats.Expired++
		return value, false, true
	}

	return e.value, true, false
}

// Has reports whether key holds a live value.
func (c *MemoryCache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok, _ := c.lookup(key)
	return ok
}

// Set stores value under key for ttl (DefaultTTL when ttl <= 0). Overwriting
// a key makes it the newest entry.
func (c *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	now := c.now()

	if element, exists := c.items[key]; exists {
		e := element.Value.(*entry[V])
		e.value = value
		e.storedAt = now
		e.expiresAt = now.Add(ttl)
		c.order.MoveToBack(element)
		c.mu.Unlock()
		return
	}

	evicted := 0
	for c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
		c.stats.Evictions++
		evicted++
	}

	c.items[key] = c.order.PushBack(&entry[V]{
		key:       key,
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	})
	size := len(c.items)
	c.mu.Unlock()

	if c.metrics != nil {
		ctx := context.Background()
		c.metrics.RecordCacheEviction(ctx, c.name, "capacity", evicted)
		c.metrics.RecordCacheEntries(ctx, c.name, size)
	}
}

// Delete removes key and reports whether a live value was removed.
func (c *MemoryCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok, _ := c.lookup(key)
	if ok {
		c.remove(c.items[key])
	}
	return ok
}

// Clear removes every entry.
func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of entries held, including expired ones not yet reclaimed.
func (c *MemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics
func (c *MemoryCache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Name = c.name
	s.Entries = len(c.items)
	s.Capacity = c.capacity
	return s
}

// Name returns the cache's label.
func (c *MemoryCache[V]) Name() string {
	return c.name
}

// Sweep removes all expired entries and returns how many it removed.
func (c *MemoryCache[V]) Sweep() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		if now.After(element.Value.(*entry[V]).expiresAt) {
			c.remove(element)
			removed++
		}
		element = next
	}
	c.stats.Expired += uint64(removed)
	size := len(c.items)
	c.mu.Unlock()

	if removed > 0 {
		if c.logger != nil {
			c.logger.LogDebug(context.Background(), "swept expired cache entries", "cache", c.name, "removed", removed, "remaining", size)
		}
		if c.metrics != nil {
			c.metrics.RecordCacheEviction(context.Background(), c.name, "expired", removed)
			c.metrics.RecordCacheEntries(context.Background(), c.name, size)
		}
	}

	return removed
}

// Close stops the sweep goroutine and drops all entries.
func (c *MemoryCache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.Clear()
	})
}

// remove unlinks an element (caller must hold lock)
func (c *MemoryCache[V]) remove(element *list.Element) {
	e := element.Value.(*entry[V])
	c.order.Remove(element)
	delete(c.items, e.key)
}

// sweepLoop periodically removes expired items
func (c *MemoryCache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}
