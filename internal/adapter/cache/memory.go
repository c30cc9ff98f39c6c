// Package cache provides the response and agent cache backends.
package cache

import (
	"context"
	"slices"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"sparkwise/internal/domain"
)

// MemoryCache is an in-process domain.Cache backed by go-cache. Expired
// entries are never returned and are swept every cleanup interval.
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache creates a memory cache. Entries without a TTL never expire.
func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &MemoryCache{items: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get implements domain.Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, found := c.items.Get(key)
	if !found {
		return nil, false, nil
	}
	return slices.Clone(v.([]byte)), true, nil
}

// Set implements domain.Cache. The value is copied so later changes by the
// caller cannot reach the stored entry.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	c.items.Set(key, slices.Clone(value), ttl)
	return nil
}

// Delete implements domain.Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.items.Delete(key)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}

// Close flushes all entries.
func (c *MemoryCache) Close() error {
	c.items.Flush()
	return nil
}

var _ domain.Cache = (*MemoryCache)(nil)
