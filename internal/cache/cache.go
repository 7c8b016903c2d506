// Package cache provides a small read-through cache used on the KME hot
// path: resolved SAE identities and peer KME status documents. Both are
// cheap to rebuild, so entries carry short TTLs and a miss is never an
// error condition for the caller.
//
// Two backends are available:
//   - Single mode (Ristretto): local in-memory cache (default)
//   - Disabled mode: passthrough that stores nothing
//
// All implementations are safe for concurrent use.
//
// Basic usage:
//
//	c, err := cache.New(ctx, &cache.Config{Mode: cache.ModeSingle, Ristretto: cache.DefaultRistrettoConfig()})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	err = c.SetWithTTL(ctx, "sae:"+saeID, doc, 30*time.Second)
//	data, err := c.Get(ctx, "sae:"+saeID)
//	if errors.Is(err, cache.ErrNotFound) {
//		// miss: resolve and repopulate
//	}
package cache

import (
	"context"
	"errors"
	"time"
)

// Standard errors for cache operations. Check with errors.Is.
var (
	// ErrNotFound is returned when a key does not exist in the cache.
	ErrNotFound = errors.New("cache: key not found")

	// ErrClosed is returned when operations are attempted on a closed cache.
	ErrClosed = errors.New("cache: cache is closed")
)

// Cache defines the interface for cache operations.
// All implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with no expiration.
	Set(ctx context.Context, key string, value []byte) error

	// SetWithTTL stores a value with a time-to-live. After the TTL
	// expires the key is no longer retrievable.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases resources. After Close all operations return
	// ErrClosed. Close is idempotent.
	Close() error
}

// Stats provides cache statistics for observability.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	KeyCount  uint64 `json:"key_count"`
	BytesUsed uint64 `json:"bytes_used"`
	Evictions uint64 `json:"evictions"`
}

// StatsProvider is an optional interface for caches that expose statistics.
//
//	if sp, ok := c.(cache.StatsProvider); ok {
//		stats := sp.Stats()
//	}
type StatsProvider interface {
	Stats() Stats
}
