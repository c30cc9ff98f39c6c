package domain

import (
	"context"
	"time"
)

// Cache is a time-bounded key/value store shared by concurrent requests.
// Values are immutable once set: Set always inserts a fresh entry.
type Cache interface {
	// Get returns the value and true on a live hit.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set atomically inserts value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete evicts key explicitly.
	Delete(ctx context.Context, key string) error
}

// CacheEntry is the stored form of a cached value.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}
