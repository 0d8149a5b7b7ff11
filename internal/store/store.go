package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Sentinel values returned by TTL, mirroring the Redis TTL replies.
const (
	TTLNoExpiry time.Duration = -1 // key exists but has no expiry
	TTLMissing  time.Duration = -2 // key does not exist
)

// Store is the shared, network-accessible key-value store the resilience
// layers depend on. Implementations must be safe for concurrent use and Incr
// must be atomic with respect to every other caller of the same store.
type Store interface {
	// Incr atomically increments key and returns the new value, creating the
	// key at 1 when absent.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets a time-to-live on an existing key. It is a no-op when the
	// key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time-to-live of key, TTLNoExpiry when the key
	// has no expiry and TTLMissing when it does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetEX stores value under key with the given time-to-live, overwriting
	// any prior value.
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
