// Package webhook delivers signed abuse notifications to an operator-
// configured endpoint. Delivery is fire-and-forget: events are queued to a
// worker goroutine, sent with a short timeout and no retry, and failures are
// logged and swallowed. The validation path never waits on delivery.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/formguard/formguard/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

// Event names sent to the webhook endpoint.
const (
	EventJA3Invalid         = "ja3_invalid_format"
	EventSessionInvalid     = "session_invalid"
	EventIdentityMismatch   = "identity_mismatch"
	EventNonceInvalid       = "nonce_invalid"
	EventTokenInvalid       = "token_format_invalid"
	EventThresholdFailed    = "signal_threshold_failed"
	EventSubmissionAfterBan = "submission_after_ban"
)

// Event is the JSON payload POSTed to the configured endpoint.
type Event struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	JA3       string `json:"ja3,omitempty"`
	Timestamp int64  `json:"timestamp"`
	FormID    string `json:"form_id"`

	// RecentEvents is how many abuse events the audit log holds for this IP
	// over the last day. Only set on submission_after_ban escalations, and
	// only when an audit database is configured.
	RecentEvents int `json:"recent_events,omitempty"`
}

const (
	queueSize      = 64
	deliverTimeout = 5 * time.Second
)

// Notifier signs and delivers abuse events asynchronously. A Notifier with
// an empty URL or key is disabled: Notify becomes a no-op.
type Notifier struct {
	url    string
	key    []byte
	client *http.Client

	mu     sync.Mutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup
}

// NewNotifier creates a Notifier and starts its delivery worker. Pass empty
// url or hmacKey to disable delivery entirely.
func NewNotifier(url, hmacKey string) *Notifier {
	n := &Notifier{
		url:    url,
		key:    []byte(hmacKey),
		client: &http.Client{Timeout: deliverTimeout},
	}
	if !n.Enabled() {
		return n
	}

	n.queue = make(chan Event, queueSize)
	n.wg.Add(1)
	go n.worker()
	return n
}

// Enabled reports whether the notifier has both a URL and a signing key.
func (n *Notifier) Enabled() bool {
	return n.url != "" && len(n.key) > 0
}

// Notify queues an event for delivery and returns immediately. Events are
// dropped (and counted) when the queue is full or the notifier is disabled
// or closed; abuse reporting must never back-pressure validation.
func (n *Notifier) Notify(ev Event) {
	if !n.Enabled() {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		log.Printf("[webhook] closed, dropping event=%s ip=%s", ev.Event, ev.IP)
		return
	}
	select {
	case n.queue <- ev:
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		log.Printf("[webhook] queue full, dropping event=%s ip=%s", ev.Event, ev.IP)
	}
}

// Close stops accepting events and waits for queued deliveries to finish.
// Safe to call more than once; Notify after Close drops the event.
func (n *Notifier) Close() {
	if !n.Enabled() {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for ev := range n.queue {
		n.deliver(ev)
	}
}

// deliver sends one event. All failures are logged and swallowed.
func (n *Notifier) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Printf("[webhook] marshal event=%s: %v", ev.Event, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Printf("[webhook] build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(n.key, body))

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Printf("[webhook] deliver event=%s: %v", ev.Event, err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		log.Printf("[webhook] deliver event=%s: endpoint returned %s", ev.Event, resp.Status)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
}

// Sign returns the hex HMAC-SHA256 of body under key. Exported so webhook
// consumers can verify signatures with the same primitive.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
