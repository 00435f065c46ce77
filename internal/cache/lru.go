// Package cache keeps recent analysis results in memory.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     interface{}
	size      int64
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LRU is a thread-safe least-recently-used cache bounded by item count and
// total size. Entries may carry an expiry.
type LRU struct {
	mu           sync.Mutex
	maxItems     int
	maxSizeBytes int64
	ttl          time.Duration
	now          func() time.Time

	currentSize  int64
	items        map[string]*list.Element
	evictionList *list.List

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// NewLRU creates a cache. maxItems and maxSizeBytes of 0 mean unlimited; a
// ttl of 0 means entries never expire.
func NewLRU(maxItems int, maxSizeBytes int64, ttl time.Duration) *LRU {
	return &LRU{
		maxItems:     maxItems,
		maxSizeBytes: maxSizeBytes,
		ttl:          ttl,
		now:          time.Now,
		items:        make(map[string]*list.Element),
		evictionList: list.New(),
	}
}

// Get returns the value for key unless it is missing or expired.
func (c *LRU) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := elem.Value.(*entry)
	if e.expired(c.now()) {
		c.removeElement(elem)
		c.expired++
		c.misses++
		return nil, false
	}

	c.evictionList.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Put adds or replaces a value. size is the approximate size in bytes.
func (c *LRU) Put(key string, value interface{}, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		c.currentSize += size - e.size
		e.value = value
		e.size = size
		e.expiresAt = expiresAt
		c.evictionList.MoveToFront(elem)
		c.evict()
		return
	}

	elem := c.evictionList.PushFront(&entry{
		key:       key,
		value:     value,
		size:      size,
		expiresAt: expiresAt,
	})
	c.items[key] = elem
	c.currentSize += size
	c.evict()
}

// evict drops least recently used entries until the limits hold. The most
// recent entry is always kept, even when it alone exceeds the size limit.
func (c *LRU) evict() {
	for c.evictionList.Len() > 1 {
		overItems := c.maxItems > 0 && c.evictionList.Len() > c.maxItems
		overSize := c.maxSizeBytes > 0 && c.currentSize > c.maxSizeBytes
		if !overItems && !overSize {
			return
		}
		c.removeElement(c.evictionList.Back())
		c.evictions++
	}
}

func (c *LRU) removeElement(elem *list.Element) {
	c.evictionList.Remove(elem)
	e := elem.Value.(*entry)
	delete(c.items, e.key)
	c.currentSize -= e.size
}

// Delete removes key and reports whether it was present.
func (c *LRU) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		return true
	}
	return false
}

// Purge removes expired entries and returns how many were dropped.
func (c *LRU) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for elem := c.evictionList.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*entry).expired(now) {
			c.removeElement(elem)
			n++
		}
		elem = prev
	}
	c.expired += int64(n)
	return n
}

// Clear removes all entries.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictionList.Init()
	c.currentSize = 0
}

// Len returns the number of entries, expired ones included until purged.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictionList.Len()
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Items     int     `json:"items"`
	Size      int64   `json:"size_bytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	HitRate   float64 `json:"hit_rate"`
}

// Stats returns current cache statistics.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Items:     c.evictionList.Len(),
		Size:      c.currentSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		HitRate:   hitRate,
	}
}
