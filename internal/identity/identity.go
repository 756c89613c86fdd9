// Package identity derives the render-time identity hash that binds a
// submission to the visitor who loaded the page. A mismatch at submission
// time means the IP or user agent drifted between render and submit, which
// legitimate browsers don't do within a session lifetime.
package identity

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
)

// Hash returns the hex SHA-1 digest of ip concatenated with userAgent.
// One-way only; nothing is ever recovered from it.
func Hash(ip, userAgent string) string {
	sum := sha1.Sum([]byte(ip + userAgent))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the expected hash for (ip, userAgent) and compares it to
// submitted in constant time.
func Verify(submitted, ip, userAgent string) bool {
	expected := Hash(ip, userAgent)
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(expected)) == 1
}
