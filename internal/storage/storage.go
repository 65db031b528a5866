// Package storage defines the KV persistence contract the core is written
// against. Keys are prefixed by entity kind ("session:", "workflow:",
// "quota:", ...). There are no cross-key transactions; components that need
// atomicity use per-key CompareAndSet.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// ErrCASConflict is returned by CompareAndSet when the stored value no longer
// matches the expected value.
var ErrCASConflict = errors.New("storage: compare-and-set conflict")

// Store is the persistence contract.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value at key. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSet writes value only if the current value equals expected.
	// A nil expected asserts the key is absent. Returns ErrCASConflict when
	// the assertion fails.
	CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error

	// Scan returns all key/value pairs whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying connection.
	Close() error
}
