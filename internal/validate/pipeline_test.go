package validate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/formguard/formguard/internal/audit"
	"github.com/formguard/formguard/internal/identity"
	"github.com/formguard/formguard/internal/ippolicy"
	"github.com/formguard/formguard/internal/nonce"
	"github.com/formguard/formguard/internal/ratelimit"
	"github.com/formguard/formguard/internal/session"
	"github.com/formguard/formguard/internal/store"
	"github.com/formguard/formguard/internal/token"
	"github.com/formguard/formguard/internal/webhook"
)

const (
	testIP = "203.0.113.7"
	testUA = "Mozilla/5.0 (X11; Linux x86_64)"
)

// captureNotifier records every webhook event the pipeline emits.
type captureNotifier struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (c *captureNotifier) Notify(ev webhook.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureNotifier) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		out = append(out, ev.Event)
	}
	return out
}

type testEnv struct {
	pipeline *Pipeline
	limiter  *ratelimit.Limiter
	sessions *session.Registry
	nonces   *nonce.Verifier
	notifier *captureNotifier
}

func newTestEnv(t *testing.T, cfg Config, allow, deny []string) *testEnv {
	t.Helper()
	st := store.NewMemory()
	env := &testEnv{
		limiter:  ratelimit.NewLimiter(st, 5, time.Hour),
		sessions: session.NewRegistry(st, 10*time.Minute),
		nonces:   nonce.New("test-nonce-secret", 10*time.Minute),
		notifier: &captureNotifier{},
	}
	env.pipeline = New(Deps{
		Policy:   ippolicy.New(allow, deny),
		Limiter:  env.limiter,
		Sessions: env.sessions,
		Nonces:   env.nonces,
		Notifier: env.notifier,
	}, cfg)
	return env
}

// validSubmission issues a fresh session and builds a submission that passes
// every stage.
func (e *testEnv) validSubmission(t *testing.T) Submission {
	t.Helper()
	id, err := e.sessions.Issue(context.Background())
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	return Submission{
		VisitorIP:    testIP,
		UserAgent:    testUA,
		Token:        token.Encode(5000, "abcdefghijklmnopqrstuvwxy"),
		Nonce:        e.nonces.Create(id),
		SessionID:    id,
		IdentityHash: identity.Hash(testIP, testUA),
		FormID:       "contact",
	}
}

func mustRun(t *testing.T, p *Pipeline, sub Submission) Verdict {
	t.Helper()
	v, err := p.Run(context.Background(), sub)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	return v
}

func TestAcceptHappyPath(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)

	v := mustRun(t, env.pipeline, sub)
	if !v.Accepted {
		t.Fatalf("verdict = %+v, want accept", v)
	}

	// The session is consumed: replaying the accepted submission fails.
	v = mustRun(t, env.pipeline, sub)
	if v.Accepted || v.Reason != ReasonSessionInvalid {
		t.Errorf("replay verdict = %+v, want reject session_invalid", v)
	}

	// Acceptance must not register a failure.
	count, _ := env.limiter.RegisterFailure(context.Background(), testIP)
	if count != 2 { // 1 from the replay reject above, plus this probe
		t.Errorf("failure count after accept+replay = %d, want 2", count)
	}
}

func TestRejectSlowEnoughButBelowTimeThreshold(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)
	sub.Token = token.Encode(1500, "abcdefghijklmnopqrstuvwxy")

	v := mustRun(t, env.pipeline, sub)
	if v.Accepted || v.Reason != ReasonThreshold {
		t.Fatalf("verdict = %+v, want reject signal_threshold_failed", v)
	}

	// Exactly one failure registered.
	count, _ := env.limiter.RegisterFailure(context.Background(), testIP)
	if count != 2 {
		t.Errorf("failure count = %d, want 2 (1 reject + this probe)", count)
	}
}

func TestRejectShortEntropy(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)
	sub.Token = token.Encode(5000, "short")

	v := mustRun(t, env.pipeline, sub)
	if v.Reason != ReasonThreshold {
		t.Errorf("verdict = %+v, want signal_threshold_failed", v)
	}
}

func TestRejectNoInteractionSentinel(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)
	sub.Token = token.NoInteraction

	v := mustRun(t, env.pipeline, sub)
	if v.Accepted || v.Reason != ReasonTokenFormat {
		t.Fatalf("verdict = %+v, want reject token_format_invalid", v)
	}

	count, _ := env.limiter.RegisterFailure(context.Background(), testIP)
	if count != 2 {
		t.Errorf("failure count = %d, want 2", count)
	}
}

func TestRejectForgedSession(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)
	sub.SessionID = "deadbeefdeadbeefdeadbeefdeadbeef"
	sub.Nonce = env.nonces.Create(sub.SessionID)

	v := mustRun(t, env.pipeline, sub)
	if v.Reason != ReasonSessionInvalid {
		t.Errorf("verdict = %+v, want session_invalid", v)
	}
}

func TestRejectIdentityMismatch(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)
	sub.IdentityHash = identity.Hash("198.51.100.1", testUA)

	v := mustRun(t, env.pipeline, sub)
	if v.Reason != ReasonIdentityMismatch {
		t.Errorf("verdict = %+v, want identity_mismatch", v)
	}
}

func TestRejectBadNonce(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)
	sub.Nonce = "0123456789"

	v := mustRun(t, env.pipeline, sub)
	if v.Reason != ReasonNonceInvalid {
		t.Errorf("verdict = %+v, want nonce_invalid", v)
	}
}

func TestSessionBurnedByFailedAttempt(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)

	// First attempt fails at the identity stage, after session consumption.
	bad := sub
	bad.IdentityHash = "wrong"
	if v := mustRun(t, env.pipeline, bad); v.Reason != ReasonIdentityMismatch {
		t.Fatalf("setup verdict = %+v", v)
	}

	// Retrying with everything correct must now fail on the session: the
	// failed attempt consumed it.
	v := mustRun(t, env.pipeline, sub)
	if v.Reason != ReasonSessionInvalid {
		t.Errorf("verdict = %+v, want session_invalid after burned session", v)
	}
}

func TestDenyShortCircuits(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, []string{testIP})
	sub := env.validSubmission(t)

	v := mustRun(t, env.pipeline, sub)
	if v.Accepted || v.Reason != ReasonIPBlacklisted {
		t.Fatalf("verdict = %+v, want reject ip_blacklisted", v)
	}

	// Policy blocks are not abuse: no failure registered, no webhook.
	count, _ := env.limiter.RegisterFailure(context.Background(), testIP)
	if count != 1 {
		t.Errorf("failure count = %d, want 1 (probe only)", count)
	}
	if len(env.notifier.names()) != 0 {
		t.Errorf("webhook events = %v, want none for deny", env.notifier.names())
	}

	// The session survives a deny: the pipeline never reached consumption.
	ok, _ := env.sessions.Consume(context.Background(), sub.SessionID)
	if !ok {
		t.Error("session was consumed by a denied submission")
	}
}

func TestDenyWinsOverAllow(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), []string{testIP}, []string{testIP})
	sub := env.validSubmission(t)

	v := mustRun(t, env.pipeline, sub)
	if v.Reason != ReasonIPBlacklisted {
		t.Errorf("verdict = %+v, want ip_blacklisted (deny precedence)", v)
	}
}

func TestAllowBypassesEverything(t *testing.T) {
	env := newTestEnv(t, Config{Hardened: true, MinJA3Length: 10, MinTimeMS: 3000, MinEntropyLength: 10},
		[]string{testIP}, nil)

	// Garbage everywhere: bad session, bad nonce, bot token, short JA3.
	sub := Submission{
		VisitorIP:    testIP,
		UserAgent:    testUA,
		JA3:          "abc",
		Token:        token.NoInteraction,
		Nonce:        "nope",
		SessionID:    "forged",
		IdentityHash: "wrong",
	}

	v := mustRun(t, env.pipeline, sub)
	if !v.Accepted {
		t.Fatalf("verdict = %+v, want accept for allowlisted IP", v)
	}
}

func TestBannedIPRejectedWithoutNewFailure(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	ctx := context.Background()

	// Reach the default threshold of 5.
	for i := 0; i < 5; i++ {
		env.limiter.RegisterFailure(ctx, testIP)
	}

	sub := env.validSubmission(t)
	v := mustRun(t, env.pipeline, sub)
	if v.Accepted || v.Reason != ReasonRateLimited {
		t.Fatalf("verdict = %+v, want reject rate_limited", v)
	}

	// The reject must not have incremented the counter.
	count, _ := env.limiter.RegisterFailure(ctx, testIP)
	if count != 6 {
		t.Errorf("failure count = %d, want 6 (5 + this probe)", count)
	}

	// Rate-limit rejects do not fire the webhook.
	if len(env.notifier.names()) != 0 {
		t.Errorf("webhook events = %v, want none for rate_limited", env.notifier.names())
	}
}

func TestJA3StageHardened(t *testing.T) {
	cfg := Config{Hardened: true, MinJA3Length: 10, MinTimeMS: 3000, MinEntropyLength: 10}
	env := newTestEnv(t, cfg, nil, nil)
	sub := env.validSubmission(t)
	sub.JA3 = "short"

	v := mustRun(t, env.pipeline, sub)
	if v.Reason != ReasonJA3Invalid {
		t.Fatalf("verdict = %+v, want transport_fingerprint_invalid", v)
	}

	// JA3 failures keep the historical webhook event name.
	names := env.notifier.names()
	if len(names) != 1 || names[0] != webhook.EventJA3Invalid {
		t.Errorf("webhook events = %v, want [%s]", names, webhook.EventJA3Invalid)
	}

	// The JA3 stage runs before session consumption.
	ok, _ := env.sessions.Consume(context.Background(), sub.SessionID)
	if !ok {
		t.Error("session consumed by a JA3 reject")
	}
}

func TestJA3IgnoredWhenAbsentOrLenient(t *testing.T) {
	// Hardened, but no fingerprint supplied: stage is skipped.
	cfg := Config{Hardened: true, MinJA3Length: 10, MinTimeMS: 3000, MinEntropyLength: 10}
	env := newTestEnv(t, cfg, nil, nil)
	sub := env.validSubmission(t)
	sub.JA3 = ""
	if v := mustRun(t, env.pipeline, sub); !v.Accepted {
		t.Errorf("verdict = %+v, want accept when no JA3 supplied", v)
	}

	// Lenient mode: short fingerprint is ignored.
	env = newTestEnv(t, DefaultConfig(), nil, nil)
	sub = env.validSubmission(t)
	sub.JA3 = "short"
	if v := mustRun(t, env.pipeline, sub); !v.Accepted {
		t.Errorf("verdict = %+v, want accept in lenient mode", v)
	}
}

func TestWebhookFiredOnAbuseRejects(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	sub := env.validSubmission(t)
	sub.Token = token.NoInteraction

	mustRun(t, env.pipeline, sub)

	names := env.notifier.names()
	if len(names) != 1 || names[0] != string(ReasonTokenFormat) {
		t.Errorf("webhook events = %v, want [token_format_invalid]", names)
	}
	env.notifier.mu.Lock()
	ev := env.notifier.events[0]
	env.notifier.mu.Unlock()
	if ev.IP != testIP || ev.UserAgent != testUA || ev.FormID != "contact" {
		t.Errorf("event = %+v, missing request metadata", ev)
	}
}

func TestAfterSubmissionEscalation(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), nil, nil)
	ctx := context.Background()
	sub := Submission{VisitorIP: testIP, UserAgent: testUA, FormID: "contact"}

	// Not banned: no event.
	if err := env.pipeline.AfterSubmission(ctx, sub); err != nil {
		t.Fatalf("AfterSubmission() error: %v", err)
	}
	if len(env.notifier.names()) != 0 {
		t.Fatalf("webhook events = %v, want none while unbanned", env.notifier.names())
	}

	for i := 0; i < 5; i++ {
		env.limiter.RegisterFailure(ctx, testIP)
	}

	if err := env.pipeline.AfterSubmission(ctx, sub); err != nil {
		t.Fatalf("AfterSubmission() error: %v", err)
	}
	names := env.notifier.names()
	if len(names) != 1 || names[0] != webhook.EventSubmissionAfterBan {
		t.Errorf("webhook events = %v, want [submission_after_ban]", names)
	}
}

// captureAuditor records entries in memory and serves a canned history count.
type captureAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
	recent  int
}

func (a *captureAuditor) Record(_ context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *captureAuditor) CountRecent(context.Context, string, time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recent, nil
}

func TestAfterSubmissionReportsRecentHistory(t *testing.T) {
	st := store.NewMemory()
	limiter := ratelimit.NewLimiter(st, 5, time.Hour)
	notifier := &captureNotifier{}
	auditor := &captureAuditor{recent: 7}
	p := New(Deps{
		Policy:   ippolicy.New(nil, nil),
		Limiter:  limiter,
		Sessions: session.NewRegistry(st, 10*time.Minute),
		Nonces:   nonce.New("test-nonce-secret", 10*time.Minute),
		Notifier: notifier,
		Audit:    auditor,
	}, DefaultConfig())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		limiter.RegisterFailure(ctx, testIP)
	}

	sub := Submission{VisitorIP: testIP, UserAgent: testUA, FormID: "contact"}
	if err := p.AfterSubmission(ctx, sub); err != nil {
		t.Fatalf("AfterSubmission() error: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 {
		t.Fatalf("webhook events = %d, want 1", len(notifier.events))
	}
	ev := notifier.events[0]
	if ev.Event != webhook.EventSubmissionAfterBan {
		t.Errorf("event = %q, want %q", ev.Event, webhook.EventSubmissionAfterBan)
	}
	if ev.RecentEvents != 7 {
		t.Errorf("RecentEvents = %d, want the audit history count 7", ev.RecentEvents)
	}
}

// downStore fails every operation, simulating an unreachable backend.
type downStore struct{}

var errStoreDown = errors.New("store down")

func (downStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (downStore) SetWithTTL(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (downStore) Delete(context.Context, string) error { return errStoreDown }
func (downStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (downStore) GetDel(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}

func TestStoreOutageIsAnErrorNotAVerdict(t *testing.T) {
	p := New(Deps{
		Policy:   ippolicy.New(nil, nil),
		Limiter:  ratelimit.NewLimiter(downStore{}, 5, time.Hour),
		Sessions: session.NewRegistry(downStore{}, 10*time.Minute),
		Nonces:   nonce.New("secret", 10*time.Minute),
	}, DefaultConfig())

	_, err := p.Run(context.Background(), Submission{VisitorIP: testIP, UserAgent: testUA})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("Run() error = %v, want wrapped store error", err)
	}
}
