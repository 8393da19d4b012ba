// Package session holds per-session state for a household device session,
// most importantly the live household key.
package session

import (
	"errors"
	"sync"

	"github.com/thegreatlucas/therichcouple-sub000/key"
)

// KeyCache is a single-slot, memory-only holder for the unlocked household
// key of one session. It is never serialised or restored; each session must
// unlock it explicitly with a PIN or a transfer redemption.
type KeyCache struct {
	mu  sync.RWMutex
	key *key.Key
}

// NewKeyCache returns an empty (locked) cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{}
}

// Get returns the live key, if any.
func (c *KeyCache) Get() (*key.Key, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key, c.key != nil
}

// Set replaces the cached key.
func (c *KeyCache) Set(k *key.Key) {
	c.mu.Lock()
	c.key = k
	c.mu.Unlock()
}

// Clear drops the cached key.
func (c *KeyCache) Clear() {
	c.mu.Lock()
	c.key = nil
	c.mu.Unlock()
}

// Unlocked reports whether a key is cached.
func (c *KeyCache) Unlocked() bool {
	_, ok := c.Get()
	return ok
}

// MarshalJSON always fails so the cache cannot leak into a persisted session.
func (c *KeyCache) MarshalJSON() ([]byte, error) {
	return nil, errors.New("key cache cannot be serialised")
}
