package llm

import (
	"container/list"
	"sync"
	"time"

	"anima/internal/metrics"
)

// cacheEntry is one cached response keyed by prompt fingerprint.
type cacheEntry struct {
	key        string
	response   string
	insertedAt time.Time
}

// ResponseCache is a bounded LRU cache of chat responses with per-entry
// TTL. Expired entries are treated as misses and removed lazily on
// lookup. Safe for concurrent use.
type ResponseCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64
	expiries  uint64

	now func() time.Time // test clock
}

// NewResponseCache returns a cache holding at most maxSize entries, each
// valid for ttl after insertion.
func NewResponseCache(maxSize int, ttl time.Duration) *ResponseCache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &ResponseCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the cached response for key. Expired entries are removed
// and reported as misses.
func (c *ResponseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.LLMCacheEvents.WithLabelValues("miss").Inc()
		return "", false
	}

	entry := elem.Value.(*cacheEntry)
	if c.now().Sub(entry.insertedAt) >= c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.expiries++
		c.misses++
		metrics.LLMCacheEvents.WithLabelValues("expiry").Inc()
		return "", false
	}

	c.order.MoveToFront(elem)
	c.hits++
	metrics.LLMCacheEvents.WithLabelValues("hit").Inc()
	return entry.response, true
}

// Put inserts or refreshes the response for key, evicting the least
// recently used entry on size pressure.
func (c *ResponseCache) Put(key, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.response = response
		entry.insertedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{
		key:        key,
		response:   response,
		insertedAt: c.now(),
	})
	c.entries[key] = elem

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
		c.evictions++
		metrics.LLMCacheEvents.WithLabelValues("eviction").Inc()
	}
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CacheStats is a point-in-time view of cache behavior.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expiries  uint64 `json:"expiries"`
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`
}

// Stats returns the cache counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expiries:  c.expiries,
		Size:      c.order.Len(),
		MaxSize:   c.maxSize,
	}
}
