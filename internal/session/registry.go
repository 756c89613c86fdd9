// Package session issues one-time page-render session ids and consumes them
// exactly once at submission time. Records are stored as simple key-value
// pairs with TTL-based expiry:
//
//	Key:   session:<id>
//	Value: <issue timestamp, unix seconds>
//	TTL:   session lifetime
//
// Consumption is an atomic check-and-delete, so a session id can never be
// replayed, not even by two concurrent attempts.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/formguard/formguard/internal/store"
)

// SessionPrefix is the store key prefix for session records.
const SessionPrefix = "session:"

// idBytes is the entropy of a session id. 16 random bytes, hex-encoded.
const idBytes = 16

// Registry manages one-time session records.
type Registry struct {
	store    store.Store
	lifetime time.Duration
}

// NewRegistry creates a Registry whose issued sessions live for lifetime.
func NewRegistry(st store.Store, lifetime time.Duration) *Registry {
	return &Registry{store: st, lifetime: lifetime}
}

// Issue generates a fresh random session id, stores its record with the
// configured lifetime, and returns the id. Called once per page render.
func (r *Registry) Issue(ctx context.Context) (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	id := hex.EncodeToString(buf)

	created := strconv.FormatInt(time.Now().Unix(), 10)
	if err := r.store.SetWithTTL(ctx, SessionPrefix+id, created, r.lifetime); err != nil {
		return "", fmt.Errorf("session: store id: %w", err)
	}
	return id, nil
}

// Consume atomically takes the session record for id. It returns true iff a
// live record existed; the record is gone afterwards either way. The empty id
// never consumes anything.
func (r *Registry) Consume(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	_, ok, err := r.store.GetDel(ctx, SessionPrefix+id)
	if err != nil {
		return false, fmt.Errorf("session: consume: %w", err)
	}
	return ok, nil
}

// Lifetime returns the configured session lifetime.
func (r *Registry) Lifetime() time.Duration {
	return r.lifetime
}
