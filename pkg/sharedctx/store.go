// Package sharedctx implements the shared key/value context agents use to
// exchange state outside the message flow: per-key TTL, atomic per-key
// updates, and a background expiry sweep.
//
// Storage is pluggable through the Store interface. MemoryStore is the
// default; RedisStore keeps entries in Redis with native TTL handling.
package sharedctx

import (
	"context"
	"time"
)

// KeepTTL passed as a ttl preserves the entry's existing expiry, matching
// redis.KeepTTL semantics.
const KeepTTL time.Duration = -1

// Store is the storage backend for a Context.
//
// Get must treat an entry whose expiry has elapsed as absent even if no
// sweep has removed it yet; Sweep is a liveness optimization only.
type Store interface {
	// Set inserts or overwrites key. ttl > 0 bounds the entry's lifetime,
	// ttl == 0 clears any expiry, and KeepTTL preserves the existing one.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get returns the live value for key. The boolean is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (any, bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all live keys.
	Keys(ctx context.Context) ([]string, error)

	// Sweep removes expired entries and returns how many it removed.
	Sweep(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
