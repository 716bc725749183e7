// Package cache provides the explicit in-memory result cache shared by extractors.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	storedAt time.Time
	value    any
}

// TTL is a mutex-guarded cache that remembers when each value was stored.
// Entries older than the TTL are reported as missing and evicted on read.
// A zero TTL never expires entries.
type TTL struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// NewTTL creates an empty cache.
func NewTTL(ttl time.Duration) *TTL {
	return &TTL{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the value stored under key and when it was stored.
func (c *TTL) Get(key string) (time.Time, any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return time.Time{}, nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		return time.Time{}, nil, false
	}
	return e.storedAt, e.value, true
}

// Put stores value under key, replacing any previous value.
func (c *TTL) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{storedAt: c.now(), value: value}
}

// Delete removes key.
func (c *TTL) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, expired or not.
func (c *TTL) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
