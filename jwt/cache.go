package jwtkit

import (
	"sync/atomic"
	"time"
)

// cachedKeySet is replaced wholesale; fields are never mutated after Store.
type cachedKeySet struct {
	set       *KeySet
	fetchedAt time.Time
}

// KeyCache holds the most recently fetched key set and its fetch time.
// Readers and writers go through one atomic pointer, so a reader sees either
// the previous snapshot or the new one, never a mix. Freshness is checked
// lazily by callers; nothing here refreshes in the background.
type KeyCache struct {
	cur atomic.Pointer[cachedKeySet]
	now func() time.Time
}

// NewKeyCache returns an empty cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{now: time.Now}
}

// NewKeyCacheWithClock returns an empty cache that reads time from now (tests).
func NewKeyCacheWithClock(now func() time.Time) *KeyCache {
	if now == nil {
		now = time.Now
	}
	return &KeyCache{now: now}
}

// Get returns the stored key set, if any.
func (c *KeyCache) Get() (*KeySet, bool) {
	snap := c.cur.Load()
	if snap == nil || snap.set == nil {
		return nil, false
	}
	return snap.set, true
}

// Set replaces the stored key set and stamps it with the current time.
func (c *KeyCache) Set(ks *KeySet) {
	c.cur.Store(&cachedKeySet{set: ks, fetchedAt: c.now()})
}

// IsFresh reports whether a key set is stored and younger than ttl.
func (c *KeyCache) IsFresh(ttl time.Duration) bool {
	snap := c.cur.Load()
	if snap == nil || snap.set == nil {
		return false
	}
	return c.now().Sub(snap.fetchedAt) < ttl
}

// FetchedAt returns when the stored key set was fetched; zero when empty.
func (c *KeyCache) FetchedAt() time.Time {
	if snap := c.cur.Load(); snap != nil {
		return snap.fetchedAt
	}
	return time.Time{}
}

// Invalidate keeps the stored keys but marks them stale so the next
// verification refetches. Used when the issuer announces a key rotation.
func (c *KeyCache) Invalidate() {
	snap := c.cur.Load()
	if snap == nil {
		return
	}
	c.cur.CompareAndSwap(snap, &cachedKeySet{set: snap.set})
}
