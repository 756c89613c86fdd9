// Package store defines the expiring key-value capability the validation
// core depends on. Failure counters and session records are the only shared
// mutable state in the gateway; both live behind this interface so the
// pipeline works the same against Redis or an in-process map.
package store

import (
	"context"
	"time"
)

// Store is an expiring key-value store with per-key atomicity.
//
// Implementations must guarantee that IncrWithTTL and GetDel are atomic per
// key: two concurrent GetDel calls for the same key must not both observe the
// value, and concurrent IncrWithTTL calls must not lose increments.
//
// Errors returned from any method mean the backend is unreachable or broken.
// Callers must surface them as infrastructure failures, never fold them into
// an accept or reject decision.
type Store interface {
	// Get returns the value for key. The bool is false if the key does not
	// exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL stores value under key, replacing any previous value, and
	// arms expiry ttl from now.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrWithTTL atomically increments the integer counter at key and
	// re-arms its expiry to ttl from now, so each increment slides the
	// window forward. A missing key counts from zero. Returns the new count.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetDel atomically reads and removes key. The bool is false if the key
	// did not exist; in that case nothing is deleted.
	GetDel(ctx context.Context, key string) (string, bool, error)
}
