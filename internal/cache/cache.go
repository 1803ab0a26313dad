// Package cache wraps the in-process TTL cache used by the linked record
// resolver. The interface exists so tests can inject a deterministic cache.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is the contract the resolver needs from a cache implementation.
type Cache interface {
	// Set stores a value under key for the given duration.
	Set(key string, value interface{}, duration time.Duration)

	// Get returns the value and true if found and not expired.
	Get(key string) (interface{}, bool)

	// Delete removes a key.
	Delete(key string)

	// DeleteExpired evicts all expired entries now.
	DeleteExpired()

	// Flush drops everything.
	Flush()
}

// TTLCache is the go-cache backed implementation.
type TTLCache struct {
	cache *gocache.Cache
}

var _ Cache = (*TTLCache)(nil)

// NewTTLCache builds a cache with the given default expiration and
// cleanup interval.
func NewTTLCache(defaultExpiration, cleanupInterval time.Duration) *TTLCache {
	return &TTLCache{cache: gocache.New(defaultExpiration, cleanupInterval)}
}

func (c *TTLCache) Set(key string, value interface{}, duration time.Duration) {
	c.cache.Set(key, value, duration)
}

func (c *TTLCache) Get(key string) (interface{}, bool) {
	return c.cache.Get(key)
}

func (c *TTLCache) Delete(key string) {
	c.cache.Delete(key)
}

func (c *TTLCache) DeleteExpired() {
	c.cache.DeleteExpired()
}

func (c *TTLCache) Flush() {
	c.cache.Flush()
}
