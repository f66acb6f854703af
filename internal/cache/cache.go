// Package cache implements the byte-budgeted response cache for buffered
// completions.
//
// Entries are keyed by a deterministic request fingerprint (see Key), bounded
// by a total byte budget and a per-entry max age. Eviction removes entries in
// insertion order; a successful Get re-inserts the entry at the back, so
// insertion order approximates LRU. Expiry is enforced lazily on access —
// there is no background sweep.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	payload    []byte
	insertedAt time.Time
	hits       int
	size       int
}

// Stats is a point-in-time snapshot of cache counters. HitRate is a
// percentage in [0, 100]; it is 0 before the first lookup.
type Stats struct {
	Hits      int
	Misses    int
	Entries   int
	TotalSize int
	HitRate   float64
}

// Cache is a size- and age-bounded in-process response cache. Safe for
// concurrent use; every operation serializes on one mutex per instance.
type Cache struct {
	mu sync.Mutex

	entries map[string]*entry
	order   []string // insertion order, oldest first

	enabled  bool
	maxAge   time.Duration
	maxBytes int

	totalSize int
	hits      int
	misses    int
}

// New creates an enabled Cache bounded by maxBytes total estimated size and
// maxAge per entry.
func New(maxBytes int, maxAge time.Duration) *Cache {
	return &Cache{
		entries:  make(map[string]*entry),
		enabled:  true,
		maxAge:   maxAge,
		maxBytes: maxBytes,
	}
}

// Configure updates the byte budget and max age. Existing entries are not
// re-evaluated until the next access or insert.
func (c *Cache) Configure(maxBytes int, maxAge time.Duration) {
	c.mu.Lock()
	c.maxBytes = maxBytes
	c.maxAge = maxAge
	c.mu.Unlock()
}

// Get returns the payload stored under key. An entry older than maxAge is
// evicted silently and counts as a miss. A hit promotes the entry to the
// most-recently-inserted position.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return nil, false
	}

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	if time.Since(e.insertedAt) > c.maxAge {
		c.removeLocked(key)
		c.misses++
		return nil, false
	}

	e.hits++
	c.hits++
	c.promoteLocked(key)
	return e.payload, true
}

// Set stores payload under key, evicting oldest-inserted entries first until
// the new entry fits the byte budget. Inserting over an existing key replaces
// it. A payload larger than the whole budget empties the cache and is then
// stored anyway; the invariant holds for every payload the gateway actually
// caches.
func (c *Cache) Set(key string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}

	size := estimateSize(payload)
	for c.totalSize+size > c.maxBytes && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}

	c.entries[key] = &entry{
		payload:    payload,
		insertedAt: time.Now(),
		size:       size,
	}
	c.order = append(c.order, key)
	c.totalSize += size
}

// Has reports whether key is present, without touching hit counters, entry
// age, or LRU order.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return false
	}
	_, ok := c.entries[key]
	return ok
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()
}

// Clear removes every entry. Hit/miss counters are reset as well.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
}

// SetEnabled toggles the cache. Disabling clears all state; lookups and
// inserts become no-ops until re-enabled, which starts from empty.
func (c *Cache) SetEnabled(enabled bool) {
	c.mu.Lock()
	if !enabled {
		c.clearLocked()
	}
	c.enabled = enabled
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   len(c.entries),
		TotalSize: c.totalSize,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups) * 100
	}
	return s
}

// promoteLocked moves key to the back of the insertion order so size-based
// eviction reaches it last. Caller holds c.mu and guarantees key exists.
func (c *Cache) promoteLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.totalSize -= e.size
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) clearLocked() {
	c.entries = make(map[string]*entry)
	c.order = nil
	c.totalSize = 0
	c.hits = 0
	c.misses = 0
}

// estimateSize approximates the in-memory footprint of a stored payload as
// two bytes per serialized character. Deliberately conservative rather than
// exact; it only has to bound memory.
func estimateSize(payload []byte) int {
	return 2 * len(payload)
}
