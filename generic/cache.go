package generic

import (
	"container/list"
	"sync"
)

// KeyCache is a bounded LRU set of natural keys known to exist in the store.
// Rows are never deleted, so a positive entry never goes stale. It is passed
// to the components that use it; there is no package-level instance.
type KeyCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[cacheKey]*list.Element
}

type cacheKey struct {
	entity string
	id     int64
}

// NewKeyCache returns a cache holding at most capacity keys. A capacity
// <= 0 yields a cache that remembers nothing.
func NewKeyCache(capacity int) *KeyCache {
	return &KeyCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[cacheKey]*list.Element),
	}
}

// Has reports whether the key was marked, refreshing its recency.
func (c *KeyCache) Has(entity string, id int64) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[cacheKey{entity, id}]
	if ok {
		c.order.MoveToFront(el)
	}
	return ok
}

// Mark records the key, evicting the least recently used one when full.
func (c *KeyCache) Mark(entity string, id int64) {
	if c == nil || c.cap <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{entity, id}
	if el, ok := c.items[k]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.items[k] = c.order.PushFront(k)
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(cacheKey))
	}
}

// Forget drops every key. Used when a unit of work that marked keys rolls back.
func (c *KeyCache) Forget() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[cacheKey]*list.Element)
}

func (c *KeyCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
