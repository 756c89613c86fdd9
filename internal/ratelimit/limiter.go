// Package ratelimit tracks per-IP validation failures inside a sliding ban
// window using the INCR + EXPIRE pattern. Counter records are stored as
// simple key-value pairs with TTL-based expiry:
//
//	Key:   fail:<md5(ip)>
//	Value: <failure count>
//	TTL:   ban duration, re-armed on every failure
//
// Once the count reaches the configured threshold the IP is banned for the
// remaining TTL. Because each new failure re-arms the TTL, bans slide: an IP
// that keeps failing stays banned.
package ratelimit

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/formguard/formguard/internal/store"
)

// FailPrefix is the store key prefix for failure counters.
const FailPrefix = "fail:"

// Limiter enforces the per-IP failure threshold.
type Limiter struct {
	store     store.Store
	threshold int
	banFor    time.Duration
}

// NewLimiter creates a Limiter. threshold is the failure count at which an IP
// becomes banned; zero disables rate limiting entirely. banFor is both the
// counter lifetime and the ban duration.
func NewLimiter(st store.Store, threshold int, banFor time.Duration) *Limiter {
	return &Limiter{store: st, threshold: threshold, banFor: banFor}
}

// key hashes the IP so raw addresses never appear as store keys.
func key(ip string) string {
	sum := md5.Sum([]byte(ip))
	return FailPrefix + hex.EncodeToString(sum[:])
}

// IsBanned reports whether ip has reached the failure threshold inside the
// current ban window. Store errors are returned to the caller: a dead
// backend must surface as an infrastructure failure, not silently ban or
// unban traffic.
func (l *Limiter) IsBanned(ctx context.Context, ip string) (bool, error) {
	if l.threshold <= 0 {
		return false, nil
	}

	val, ok, err := l.store.Get(ctx, key(ip))
	if err != nil {
		return false, fmt.Errorf("ratelimit: check %s: %w", ip, err)
	}
	if !ok {
		return false, nil
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return false, fmt.Errorf("ratelimit: corrupt counter for %s: %w", ip, err)
	}
	return count >= l.threshold, nil
}

// RegisterFailure counts one failed validation attempt for ip and re-arms the
// counter's expiry to the full ban duration. Returns the new count.
func (l *Limiter) RegisterFailure(ctx context.Context, ip string) (int64, error) {
	count, err := l.store.IncrWithTTL(ctx, key(ip), l.banFor)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: register failure %s: %w", ip, err)
	}
	return count, nil
}

// Threshold returns the configured failure threshold.
func (l *Limiter) Threshold() int {
	return l.threshold
}
