// Package cache memoises serving results between index swaps.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"task2vec/internal/metrics"
)

// QueryCache is a bounded LRU with TTL. Invalidate drops every entry and bumps
// the generation so results computed against a replaced index are never served.
type QueryCache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry[V]
	order      []string
	maxSize    int
	ttl        time.Duration
	generation uint64
}

type cacheEntry[V any] struct {
	value      V
	timestamp  time.Time
	generation uint64
}

func NewQueryCache[V any](maxSize int, ttl time.Duration) *QueryCache[V] {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &QueryCache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Key derives the cache key for an operation over query text with parameter k.
func Key(op, text string, k int) string {
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write([]byte(text))
	var kb [8]byte
	binary.BigEndian.PutUint64(kb[:], uint64(k))
	h.Write(kb[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func (c *QueryCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.RLock()
	entry, exists := c.entries[key]
	currentGen := c.generation
	c.mu.RUnlock()

	if !exists {
		metrics.QueryCacheResults.WithLabelValues("miss").Inc()
		return zero, false
	}

	if time.Since(entry.timestamp) > c.ttl || entry.generation != currentGen {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == entry {
			delete(c.entries, key)
			c.removeFromOrder(key)
		}
		c.mu.Unlock()
		metrics.QueryCacheResults.WithLabelValues("expired").Inc()
		return zero, false
	}

	c.mu.Lock()
	c.moveToEnd(key)
	c.mu.Unlock()

	metrics.QueryCacheResults.WithLabelValues("hit").Inc()
	return entry.value, true
}

// Put stores value under key, tagged with gen. Values computed against an
// older generation than the current one are dropped.
func (c *QueryCache[V]) Put(key string, gen uint64, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}

	entry := &cacheEntry[V]{value: value, timestamp: time.Now(), generation: gen}
	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry
		c.moveToEnd(key)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = entry
	c.order = append(c.order, key)
}

// Generation is the tag callers pass to Put for results computed now.
func (c *QueryCache[V]) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *QueryCache[V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry[V])
	c.order = c.order[:0]
	c.generation++
}

func (c *QueryCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *QueryCache[V]) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

func (c *QueryCache[V]) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *QueryCache[V]) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
