package tracking

import (
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheCapacity = 1000
	DefaultCacheTTL      = 30 * time.Minute
)

// SessionCache is an in-memory LRU+TTL cache of conversation contexts. The
// recency order lives in an intrusive doubly-linked list (head = most
// recently used) so the LRU invariant stays local to this type. Expiry is
// checked lazily on access; Cleanup purges expired entries in bulk between
// accesses. Absence and expiry are represented as misses, never as errors.
type SessionCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*cacheEntry
	head     *cacheEntry
	tail     *cacheEntry

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	now func() time.Time
}

type cacheEntry struct {
	key      string
	context  *ConversationContext
	storedAt time.Time
	hits     uint64
	prev     *cacheEntry
	next     *cacheEntry
}

// NewSessionCache creates a cache with the given capacity and TTL.
// Non-positive values fall back to the defaults.
func NewSessionCache(capacity int, ttl time.Duration) *SessionCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SessionCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*cacheEntry),
		now:      time.Now,
	}
}

// Get returns a copy of the cached context for a session; the stored object
// is never handed out, so readers cannot race a later update. A read
// refreshes the entry's recency and TTL timer. Expired entries are removed
// and reported as misses.
func (c *SessionCache) Get(sessionID string) (*ConversationContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[sessionID]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expired(entry) {
		c.remove(entry)
		c.expirations++
		c.misses++
		return nil, false
	}

	entry.storedAt = c.now()
	entry.hits++
	c.moveToFront(entry)
	c.hits++
	return entry.context.Clone(), true
}

// Set stores a context, evicting the least-recently-used entry when a new
// key would exceed capacity. The caller must not mutate the context after
// storing it.
func (c *SessionCache) Set(sessionID string, context *ConversationContext) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[sessionID]; ok {
		entry.context = context
		entry.storedAt = c.now()
		c.moveToFront(entry)
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictLRU()
	}

	entry := &cacheEntry{key: sessionID, context: context, storedAt: c.now()}
	c.entries[sessionID] = entry
	c.addToFront(entry)
}

// Delete removes a session from the cache. Deleting an absent key is a no-op.
func (c *SessionCache) Delete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[sessionID]; ok {
		c.remove(entry)
	}
}

// Has reports whether a live entry exists without touching its recency.
func (c *SessionCache) Has(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	if c.expired(entry) {
		c.remove(entry)
		c.expirations++
		return false
	}
	return true
}

// Size returns the number of entries, including not-yet-purged expired ones.
func (c *SessionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry. Statistics are kept.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.head = nil
	c.tail = nil
}

// Cleanup purges all expired entries and returns how many were removed.
// Driven periodically by the session manager's scheduler.
func (c *SessionCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, entry := range c.entries {
		if c.expired(entry) {
			c.remove(entry)
			c.expirations++
			removed++
		}
	}
	return removed
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
}

// Stats reports real hit/miss counters; the hit rate is computed, never
// assumed.
func (c *SessionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:        len(c.entries),
		Capacity:    c.capacity,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

func (c *SessionCache) expired(entry *cacheEntry) bool {
	return c.now().Sub(entry.storedAt) > c.ttl
}

func (c *SessionCache) evictLRU() {
	if c.tail == nil {
		return
	}
	c.remove(c.tail)
	c.evictions++
}

func (c *SessionCache) moveToFront(entry *cacheEntry) {
	if entry == c.head {
		return
	}
	c.unlink(entry)
	c.addToFront(entry)
}

func (c *SessionCache) addToFront(entry *cacheEntry) {
	entry.next = c.head
	entry.prev = nil
	if c.head != nil {
		c.head.prev = entry
	}
	c.head = entry
	if c.tail == nil {
		c.tail = entry
	}
}

func (c *SessionCache) remove(entry *cacheEntry) {
	c.unlink(entry)
	delete(c.entries, entry.key)
}

func (c *SessionCache) unlink(entry *cacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}
	entry.prev = nil
	entry.next = nil
}
