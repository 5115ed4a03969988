package bars

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CacheKey identifies one cached read.
type CacheKey struct {
	Symbol   string
	Start    string // YYYY-MM-DD
	End      string
	Interval string
}

// Cache is an LRU read cache in front of the bar store. Entries are
// msgpack-encoded to keep the resident size small; eviction is strict
// access order and a TTL bounds staleness. One mutex guards both the map
// and the access-order list.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[CacheKey]*list.Element

	hits   int64
	misses int64
}

type cacheEntry struct {
	key     CacheKey
	payload []byte
	stored  time.Time
}

// NewCache creates a cache with the given capacity and TTL. Capacity must
// be positive; a zero TTL disables expiry.
func NewCache(capacity int, ttl time.Duration) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[CacheKey]*list.Element, capacity),
	}, nil
}

// Get returns the cached bars for key, or ok=false on miss or expiry.
func (c *Cache) Get(key CacheKey) ([]Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.ttl > 0 && time.Since(entry.stored) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	var out []Bar
	if err := msgpack.Unmarshal(entry.payload, &out); err != nil {
		// Corrupt entry: drop it and treat as a miss.
		c.order.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return out, true
}

// Put stores bars for key, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Put(key CacheKey, rows []Bar) error {
	payload, err := msgpack.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.payload = payload
		entry.stored = time.Now()
		c.order.MoveToFront(el)
		return nil
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}

	el := c.order.PushFront(&cacheEntry{key: key, payload: payload, stored: time.Now()})
	c.items[key] = el
	return nil
}

// Invalidate drops every entry for a symbol; called after writes so reads
// never serve stale rows for freshly synced symbols.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*cacheEntry)
		if entry.key.Symbol == symbol {
			c.order.Remove(el)
			delete(c.items, entry.key)
		}
		el = next
	}
}

// Stats returns hit/miss counters and the current size.
func (c *Cache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}
