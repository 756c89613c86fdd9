// Package nonce provides short-lived anti-replay values scoped to a fixed
// action domain. A nonce is an HMAC over the current time bucket, the action,
// and the session id, truncated for transport. Verification accepts the
// current and the previous bucket, so a nonce stays valid for between half
// and the full configured lifetime.
package nonce

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// ActionCaptcha is the nonce domain for captcha submissions. Issuance and
// verification are both fixed to this action, so a nonce minted for any
// other purpose can never validate a submission.
const ActionCaptcha = "formguard_captcha"

// nonceLen is the number of hex characters exposed on the wire.
const nonceLen = 10

// RandomSecret generates a fresh signing secret for deployments that did not
// configure one. Nonces minted under it die with the process.
func RandomSecret() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Verifier mints and checks nonces for one secret and lifetime.
type Verifier struct {
	secret []byte
	life   time.Duration
	now    func() time.Time
}

// New creates a Verifier. life is the maximum validity of a minted nonce.
func New(secret string, life time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		life:   life,
		now:    time.Now,
	}
}

// tick returns the current half-life bucket index, offset buckets back.
func (v *Verifier) tick(offset int64) int64 {
	half := int64(v.life / 2 / time.Second)
	if half <= 0 {
		half = 1
	}
	return v.now().Unix()/half - offset
}

func (v *Verifier) mint(tick int64, action, sessionID string) string {
	var tickBuf [8]byte
	binary.BigEndian.PutUint64(tickBuf[:], uint64(tick))

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(tickBuf[:])
	mac.Write([]byte(action))
	mac.Write([]byte{'|'})
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))[:nonceLen]
}

// Create mints a nonce for sessionID in the captcha action domain.
func (v *Verifier) Create(sessionID string) string {
	return v.mint(v.tick(0), ActionCaptcha, sessionID)
}

// Verify reports whether nonce is valid for sessionID in the captcha action
// domain. Nonces from the current and the immediately previous time bucket
// are accepted.
func (v *Verifier) Verify(nonce, sessionID string) bool {
	if len(nonce) != nonceLen {
		return false
	}
	for offset := int64(0); offset <= 1; offset++ {
		expected := v.mint(v.tick(offset), ActionCaptcha, sessionID)
		if subtle.ConstantTimeCompare([]byte(nonce), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}
