package nonce

import (
	"testing"
	"time"
)

func TestCreateVerify(t *testing.T) {
	v := New("secret", 10*time.Minute)
	n := v.Create("session-a")

	if len(n) != nonceLen {
		t.Errorf("nonce length = %d, want %d", len(n), nonceLen)
	}
	if !v.Verify(n, "session-a") {
		t.Error("Verify rejected a freshly minted nonce")
	}
}

func TestVerifyRejectsOtherSession(t *testing.T) {
	v := New("secret", 10*time.Minute)
	n := v.Create("session-a")

	if v.Verify(n, "session-b") {
		t.Error("nonce for session-a verified against session-b")
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	a := New("secret-a", 10*time.Minute)
	b := New("secret-b", 10*time.Minute)
	n := a.Create("session")

	if b.Verify(n, "session") {
		t.Error("nonce verified against a different secret")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := New("secret", 10*time.Minute)

	for _, n := range []string{"", "short", "0123456789abcdef", "zzzzzzzzzz"} {
		if v.Verify(n, "session") {
			t.Errorf("Verify(%q) = true, want false", n)
		}
	}
}

func TestPreviousBucketStillValid(t *testing.T) {
	v := New("secret", 10*time.Minute)

	// Pin the clock to a bucket boundary so the offsets below land in
	// deterministic buckets.
	half := int64(5 * 60)
	base := time.Unix((time.Now().Unix()/half)*half, 0)

	v.now = func() time.Time { return base }
	n := v.Create("session")

	// Just past one half-life: previous bucket, still valid.
	v.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	if !v.Verify(n, "session") {
		t.Error("nonce rejected within its lifetime")
	}

	// Past the full lifetime: two buckets back, rejected.
	v.now = func() time.Time { return base.Add(10*time.Minute + time.Second) }
	if v.Verify(n, "session") {
		t.Error("nonce accepted after its lifetime")
	}
}
