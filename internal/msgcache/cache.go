// Package msgcache keeps recently delivered forward messages so repeated
// content can be sent as a short reference instead of the full payload.
//
// Entries are aged by script runs, not by wall-clock time: each completed run
// bumps every entry's age by one and entries older than the configured
// maximum are dropped. Re-sending an entry resets its age.
package msgcache

import (
	"sync"

	"github.com/bhandras/deltarun/internal/stats"
)

const statsCategory = "deltarun.runtime.forward_msg_cache"

type entry struct {
	data      []byte
	sessionID string
	age       int
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Get returns the serialized message stored under hash.
func (c *Cache) Get(hash string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[hash]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Has reports whether hash is cached.
func (c *Cache) Has(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[hash]
	return ok
}

// InsertOrTouch stores data under hash if it is absent and reports whether a
// new entry was created. An existing entry keeps its original bytes and owner
// and has its age reset to zero.
func (c *Cache) InsertOrTouch(hash string, data []byte, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[hash]; ok {
		e.age = 0
		return false
	}
	c.entries[hash] = &entry{data: data, sessionID: sessionID}
	return true
}

// AgeAndEvict bumps the age of every entry and removes those whose age now
// exceeds maxAge. It returns the number of evicted entries.
func (c *Cache) AgeAndEvict(maxAge int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for hash, e := range c.entries {
		e.age++
		if e.age > maxAge {
			delete(c.entries, hash)
			evicted++
		}
	}
	return evicted
}

// Age returns the current age of the entry under hash.
func (c *Cache) Age(hash string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[hash]
	if !ok {
		return 0, false
	}
	return e.age, true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Stats reports one record per entry, named after the producing session.
func (c *Cache) Stats() []stats.CacheStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]stats.CacheStat, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, stats.CacheStat{
			CategoryName: statsCategory,
			CacheName:    e.sessionID,
			ByteLength:   len(e.data),
		})
	}
	return out
}
