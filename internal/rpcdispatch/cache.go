package rpcdispatch

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// Cache is a bounded LRU with per-entry TTL, fronting the expensive
// read-only RPC methods (files.search, plans.list). A small
// container/list + map implementation.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key       string
	value     json.RawMessage
	expiresAt time.Time
}

// NewCache creates a cache holding at most capacity entries, each valid
// for ttlMillis milliseconds after insertion.
func NewCache(capacity int, ttlMillis int64) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      time.Duration(ttlMillis) * time.Millisecond,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return nil, false
	}

	c.order.MoveToFront(elem)
	return entry.value, true
}

// Put stores value under key, evicting the least recently used entry if
// the cache is at capacity.
func (c *Cache) Put(key string, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{key: key, value: value, expiresAt: time.Now().Add(c.ttl)}
	elem := c.order.PushFront(entry)
	c.items[key] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of entries currently cached, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
