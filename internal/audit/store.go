// Package audit provides PostgreSQL-backed storage for abuse events.
// Each rejected submission (and each submission-after-ban) is recorded with
// its reason code and request metadata for later operator review. Writes are
// best-effort: the gateway runs fine without a database.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// validEvents is the set of allowed event values, matching the CHECK
// constraint on the abuse_events table.
var validEvents = map[string]bool{
	"ip_blacklisted":                true,
	"transport_fingerprint_invalid": true,
	"rate_limited":                  true,
	"session_invalid":               true,
	"identity_mismatch":             true,
	"nonce_invalid":                 true,
	"token_format_invalid":          true,
	"signal_threshold_failed":       true,
	"submission_after_ban":          true,
	"ja3_invalid_format":            true,
}

// Store manages abuse events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Entry represents a single abuse event to be persisted.
type Entry struct {
	Event     string
	IP        string
	UserAgent string
	JA3       string
	FormID    string
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts an abuse event. The event name is validated against the
// allowed set before insertion.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if !validEvents[e.Event] {
		return fmt.Errorf("audit: invalid event %q", e.Event)
	}

	const query = `
		INSERT INTO abuse_events (id, event, ip, user_agent, ja3, form_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		e.Event,
		e.IP,
		e.UserAgent,
		e.JA3,
		e.FormID,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of abuse events recorded for an IP within
// the given time window. The ban escalation path uses it to tell first
// offenders from repeat ones; the sliding ban counter alone cannot.
func (s *Store) CountRecent(ctx context.Context, ip string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_events
		WHERE ip = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, ip, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
