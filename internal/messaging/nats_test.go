package messaging

import (
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// newTestClient connects to a local NATS server, honoring NATS_URL when set.
// Tests that call this helper require a running server and skip otherwise.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "formguard-test"
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available at %s: %v", cfg.URL, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestAbuseDetectedRoundTrip(t *testing.T) {
	c := newTestClient(t)

	got := make(chan []byte, 1)
	if err := c.SubscribeAbuseDetected(func(data []byte) { got <- data }); err != nil {
		t.Fatalf("SubscribeAbuseDetected() error: %v", err)
	}

	payload := []byte(`{"event":"nonce_invalid","ip":"203.0.113.7"}`)
	if err := c.PublishAbuseDetected(payload); err != nil {
		t.Fatalf("PublishAbuseDetected() error: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != string(payload) {
			t.Errorf("received %q, want %q", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for abuse.detected message")
	}
}

func TestBannedSubjectIsSeparate(t *testing.T) {
	c := newTestClient(t)

	detected := make(chan []byte, 1)
	banned := make(chan []byte, 1)
	if err := c.SubscribeAbuseDetected(func(data []byte) { detected <- data }); err != nil {
		t.Fatalf("SubscribeAbuseDetected() error: %v", err)
	}
	if err := c.SubscribeAbuseBanned(func(data []byte) { banned <- data }); err != nil {
		t.Fatalf("SubscribeAbuseBanned() error: %v", err)
	}

	payload := []byte(`{"event":"submission_after_ban","ip":"203.0.113.7"}`)
	if err := c.PublishAbuseBanned(payload); err != nil {
		t.Fatalf("PublishAbuseBanned() error: %v", err)
	}

	select {
	case data := <-banned:
		if string(data) != string(payload) {
			t.Errorf("received %q, want %q", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for abuse.banned message")
	}

	// A ban event must not leak onto the detected subject.
	select {
	case data := <-detected:
		t.Errorf("abuse.detected received %q, want nothing", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseDrainsSubscriptions(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.Name = "formguard-test"
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available at %s: %v", cfg.URL, err)
	}

	if err := c.Subscribe(SubjectAbuseDetected, func(*nats.Msg) {}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	c.Close()
}
