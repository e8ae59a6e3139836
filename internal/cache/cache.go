// Package cache provides a small in-process expiring cache shared by the
// delivery deduplication window, the conversation fast tier, and the Feishu
// tenant token cache. Entries expire lazily: stale entries are dropped on
// read, and the whole map is swept opportunistically on writes rather than
// by a background timer.
package cache

import (
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a mutex-protected map of string keys to values with per-entry
// time-to-live. The zero value is not usable; construct with New.
type Cache[V any] struct {
	mu        sync.Mutex
	entries   map[string]entry[V]
	now       func() time.Time
	lastSweep time.Time
	sweepGap  time.Duration
}

// New creates an empty cache using the wall clock.
func New[V any]() *Cache[V] {
	return NewWithClock[V](time.Now)
}

// NewWithClock creates an empty cache with an injected clock. Tests use this
// to drive expiry deterministically.
func NewWithClock[V any](now func() time.Time) *Cache[V] {
	return &Cache[V]{
		entries:  make(map[string]entry[V]),
		now:      now,
		sweepGap: defaultSweepInterval,
	}
}

// Set stores value under key for the given TTL, replacing any previous entry.
// A non-positive TTL removes the key.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.entries, key)
		return
	}

	now := c.now()
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
	c.sweepLocked(now)
}

// Get returns the live value for key. Expired entries are removed on access
// and reported as missing.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Update atomically replaces the value under key with the result of fn,
// holding the cache mutex across the read and the write so concurrent
// updaters never lose each other's changes. fn receives the live value (the
// zero value when absent or expired) together with a presence flag, and its
// result is stored with ttl. A non-positive ttl removes the key.
func (c *Cache[V]) Update(key string, ttl time.Duration, fn func(old V, ok bool) V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	old, ok := c.entries[key]
	if ok && !now.Before(old.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	var live V
	if ok {
		live = old.value
	}

	value := fn(live, ok)
	if ttl <= 0 {
		delete(c.entries, key)
		return
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(ttl)}
	c.sweepLocked(now)
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep removes all expired entries immediately.
func (c *Cache[V]) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSweep = time.Time{}
	c.sweepLocked(c.now())
}

// Len reports the number of entries, including any not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweepLocked drops expired entries at most once per sweep interval, keeping
// the amortized cost of writes constant. Callers must hold c.mu.
func (c *Cache[V]) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.sweepGap {
		return
	}
	c.lastSweep = now
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
