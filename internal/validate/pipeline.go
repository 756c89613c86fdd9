// Package validate implements the server-side decision procedure for form
// submissions. Stages run in strict precedence order and the first failure
// wins: IP denylist, IP allowlist (accept shortcut), transport fingerprint,
// rate limit, one-time session consumption, identity hash, nonce, token
// format, and finally the behavioral signal thresholds.
//
// The pipeline always returns a Verdict for well-formed input; the error
// return is reserved for infrastructure failure (key-value backend
// unreachable), which callers must surface instead of mapping to a reject.
package validate

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/formguard/formguard/internal/audit"
	"github.com/formguard/formguard/internal/identity"
	"github.com/formguard/formguard/internal/ippolicy"
	"github.com/formguard/formguard/internal/metrics"
	"github.com/formguard/formguard/internal/nonce"
	"github.com/formguard/formguard/internal/ratelimit"
	"github.com/formguard/formguard/internal/session"
	"github.com/formguard/formguard/internal/token"
	"github.com/formguard/formguard/internal/webhook"
)

// Config holds the tunable thresholds for the signal checks.
type Config struct {
	// Hardened enables the transport-fingerprint stage. Even when set, the
	// stage only runs if the fronting proxy actually supplied a fingerprint.
	Hardened bool

	// MinJA3Length is the minimum plausible length for a supplied JA3 hash.
	MinJA3Length int

	// MinTimeMS is the minimum client-reported time on page, milliseconds.
	MinTimeMS int64

	// MinEntropyLength is the minimum fingerprint-string length.
	MinEntropyLength int
}

// DefaultConfig returns the lenient-variant defaults.
func DefaultConfig() Config {
	return Config{
		Hardened:         false,
		MinJA3Length:     10,
		MinTimeMS:        3000,
		MinEntropyLength: 10,
	}
}

// Notifier receives abuse events for webhook delivery. Satisfied by
// webhook.Notifier.
type Notifier interface {
	Notify(webhook.Event)
}

// Bus publishes abuse events to the message fabric. Satisfied by
// messaging.NATSClient.
type Bus interface {
	PublishAbuseDetected(data []byte) error
	PublishAbuseBanned(data []byte) error
}

// Auditor persists abuse events and answers history queries. Satisfied by
// audit.Store.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
	CountRecent(ctx context.Context, ip string, window time.Duration) (int, error)
}

// Deps wires the pipeline's collaborators. Policy, Limiter, Sessions, and
// Nonces are required; the rest are optional observability sinks.
type Deps struct {
	Policy   *ippolicy.Policy
	Limiter  *ratelimit.Limiter
	Sessions *session.Registry
	Nonces   *nonce.Verifier

	Notifier Notifier
	Audit    Auditor
	Bus      Bus
}

// Pipeline evaluates submissions. Safe for concurrent use; all mutable state
// lives in the underlying stores.
type Pipeline struct {
	deps Deps
	cfg  Config
}

// New creates a Pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	return &Pipeline{deps: deps, cfg: cfg}
}

// Run evaluates one submission and returns its Verdict. Exactly one verdict
// is produced per call; a rejected client must restart the whole flow with a
// fresh session and token.
func (p *Pipeline) Run(ctx context.Context, sub Submission) (Verdict, error) {
	start := time.Now()
	verdict, err := p.run(ctx, sub)
	if err != nil {
		return Verdict{}, err
	}

	metrics.ValidationDuration.Observe(time.Since(start).Seconds())
	if verdict.Accepted {
		metrics.ValidationsTotal.WithLabelValues("accept").Inc()
	} else {
		metrics.ValidationsTotal.WithLabelValues("reject").Inc()
		metrics.RejectsTotal.WithLabelValues(string(verdict.Reason)).Inc()
	}
	return verdict, nil
}

func (p *Pipeline) run(ctx context.Context, sub Submission) (Verdict, error) {
	// Denylist first: a denied IP is rejected no matter what else is true,
	// including allowlist membership. Policy-level block, not abuse, so no
	// failure is registered and no webhook fires.
	switch p.deps.Policy.Classify(sub.VisitorIP) {
	case ippolicy.Denied:
		p.emit(sub, ReasonIPBlacklisted, false)
		return Verdict{Accepted: false, Reason: ReasonIPBlacklisted}, nil
	case ippolicy.Allowed:
		// Allowlisted visitors bypass everything else, fingerprint and rate
		// limit included.
		return accept(), nil
	}

	// Transport fingerprint. Only meaningful when the fronting proxy sets it
	// and the operator opted into hardened mode.
	if p.cfg.Hardened && sub.JA3 != "" && len(sub.JA3) < p.cfg.MinJA3Length {
		return p.reject(ctx, sub, ReasonJA3Invalid)
	}

	// Rate limit. A banned IP is turned away without another counter hit:
	// the abuse is already counted, and incrementing here would let the ban
	// window slide on rejected traffic alone.
	banned, err := p.deps.Limiter.IsBanned(ctx, sub.VisitorIP)
	if err != nil {
		return Verdict{}, err
	}
	if banned {
		p.emit(sub, ReasonRateLimited, false)
		return Verdict{Accepted: false, Reason: ReasonRateLimited}, nil
	}

	// Session consumption happens before the remaining checks so the session
	// is burned even when a later stage fails. A session id is never left
	// consumable after any attempt against it.
	ok, err := p.deps.Sessions.Consume(ctx, sub.SessionID)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return p.reject(ctx, sub, ReasonSessionInvalid)
	}

	if !identity.Verify(sub.IdentityHash, sub.VisitorIP, sub.UserAgent) {
		return p.reject(ctx, sub, ReasonIdentityMismatch)
	}

	if !p.deps.Nonces.Verify(sub.Nonce, sub.SessionID) {
		return p.reject(ctx, sub, ReasonNonceInvalid)
	}

	decoded, derr := token.Decode(sub.Token)
	if derr != nil {
		return p.reject(ctx, sub, ReasonTokenFormat)
	}

	if decoded.ElapsedMS < p.cfg.MinTimeMS || len(decoded.SignalEntropy) < p.cfg.MinEntropyLength {
		return p.reject(ctx, sub, ReasonThreshold)
	}

	return accept(), nil
}

// reject registers one failure for the IP, emits the abuse event, and
// returns the reject verdict. Store failure while registering is an
// infrastructure error and preempts the verdict.
func (p *Pipeline) reject(ctx context.Context, sub Submission, reason Reason) (Verdict, error) {
	count, err := p.deps.Limiter.RegisterFailure(ctx, sub.VisitorIP)
	if err != nil {
		return Verdict{}, err
	}

	banBegan := p.deps.Limiter.Threshold() > 0 && count == int64(p.deps.Limiter.Threshold())
	p.emit(sub, reason, banBegan)
	return Verdict{Accepted: false, Reason: reason}, nil
}

// AfterSubmission is the post-verdict escalation hook: the host calls it
// once a submission has gone through regardless of verdict. If the IP is
// currently banned, a submission_after_ban event goes out.
func (p *Pipeline) AfterSubmission(ctx context.Context, sub Submission) error {
	banned, err := p.deps.Limiter.IsBanned(ctx, sub.VisitorIP)
	if err != nil {
		return err
	}
	if !banned {
		return nil
	}

	// Enrich the escalation with the IP's audit history. The sliding ban
	// counter only covers the ban window; the audit log shows whether this
	// is a first offender or a repeat one. Best-effort, like all audit reads.
	recent := 0
	if p.deps.Audit != nil {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		n, cerr := p.deps.Audit.CountRecent(cctx, sub.VisitorIP, 24*time.Hour)
		cancel()
		if cerr != nil {
			log.Printf("[validate] audit count ip=%s: %v", sub.VisitorIP, cerr)
		} else {
			recent = n
		}
	}

	if p.deps.Notifier != nil {
		p.deps.Notifier.Notify(webhook.Event{
			Event:        webhook.EventSubmissionAfterBan,
			IP:           sub.VisitorIP,
			UserAgent:    sub.UserAgent,
			JA3:          sub.JA3,
			FormID:       sub.FormID,
			RecentEvents: recent,
		})
	}
	p.record(sub, webhook.EventSubmissionAfterBan, true)
	return nil
}

// eventName maps a reason code to its webhook event name. JA3 failures keep
// the historical ja3_invalid_format name that downstream consumers match on.
func eventName(reason Reason) string {
	if reason == ReasonJA3Invalid {
		return webhook.EventJA3Invalid
	}
	return string(reason)
}

// notified reports whether a reason triggers the webhook. Deny and
// rate-limit rejects stay quiet: the former is operator policy, the latter
// would flood the endpoint for the duration of every ban.
func notified(reason Reason) bool {
	return reason != ReasonIPBlacklisted && reason != ReasonRateLimited
}

// emit fans the abuse event out to the webhook, the audit log, and the
// message bus. Only the webhook filter applies; audit and bus see every
// reject. banned marks events that coincide with the IP crossing the ban
// threshold.
func (p *Pipeline) emit(sub Submission, reason Reason, banned bool) {
	if p.deps.Notifier != nil && notified(reason) {
		p.deps.Notifier.Notify(webhook.Event{
			Event:     eventName(reason),
			IP:        sub.VisitorIP,
			UserAgent: sub.UserAgent,
			JA3:       sub.JA3,
			FormID:    sub.FormID,
		})
	}
	p.record(sub, string(reason), banned)
}

// record writes the event to the audit log and the bus off the request path.
// Both are best-effort; failures are logged and swallowed.
func (p *Pipeline) record(sub Submission, event string, banned bool) {
	if p.deps.Audit == nil && p.deps.Bus == nil {
		return
	}

	go func() {
		if p.deps.Audit != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.deps.Audit.Record(ctx, audit.Entry{
				Event:     event,
				IP:        sub.VisitorIP,
				UserAgent: sub.UserAgent,
				JA3:       sub.JA3,
				FormID:    sub.FormID,
			})
			cancel()
			if err != nil {
				log.Printf("[validate] audit record event=%s: %v", event, err)
			}
		}

		if p.deps.Bus != nil {
			data, err := json.Marshal(map[string]any{
				"event":      event,
				"ip":         sub.VisitorIP,
				"user_agent": sub.UserAgent,
				"form_id":    sub.FormID,
				"timestamp":  time.Now().Unix(),
			})
			if err != nil {
				return
			}
			if banned {
				err = p.deps.Bus.PublishAbuseBanned(data)
			} else {
				err = p.deps.Bus.PublishAbuseDetected(data)
			}
			if err != nil {
				log.Printf("[validate] bus publish event=%s: %v", event, err)
				return
			}
			metrics.AbuseEventsPublished.Inc()
		}
	}()
}
