// Package token decodes the opaque captcha token the browser submits with a
// form. The wire format is base64 over "<elapsed_ms>:<entropy>", where
// elapsed_ms is the client-measured time on page and entropy is the
// client-computed fingerprint string (only its length matters server-side).
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NoInteraction is the sentinel the browser submits when no human
// interaction was observed before the collection timeout. It is an explicit
// bot signal, not a valid token.
const NoInteraction = "no_interaction"

// Separator splits elapsed time from the entropy string in the decoded
// payload. Only the first occurrence separates; the entropy part may itself
// contain the character.
const Separator = ":"

// ErrFormat is returned for any token that does not match the wire format.
var ErrFormat = errors.New("malformed captcha token")

// Decoded holds the signals carried by a valid token.
type Decoded struct {
	// ElapsedMS is the client-reported milliseconds between page render and
	// submission. Non-negative.
	ElapsedMS int64

	// SignalEntropy is the client fingerprint string. Its length is a proxy
	// for fingerprint richness; the content is never compared to anything.
	SignalEntropy string
}

// Decode parses raw into its signals. It fails with an error wrapping
// ErrFormat if raw is empty, is the no-interaction sentinel, is not strict
// base64, or does not decode to "<non-negative integer>:<non-empty string>".
func Decode(raw string) (Decoded, error) {
	if raw == "" || raw == NoInteraction {
		return Decoded{}, fmt.Errorf("token: %w: no interaction signal", ErrFormat)
	}

	payload, err := base64.StdEncoding.Strict().DecodeString(raw)
	if err != nil {
		return Decoded{}, fmt.Errorf("token: %w: not base64", ErrFormat)
	}

	elapsedStr, entropy, found := strings.Cut(string(payload), Separator)
	if !found || entropy == "" {
		return Decoded{}, fmt.Errorf("token: %w: missing separator", ErrFormat)
	}

	elapsed, err := strconv.ParseInt(elapsedStr, 10, 64)
	if err != nil || elapsed < 0 {
		return Decoded{}, fmt.Errorf("token: %w: bad elapsed time %q", ErrFormat, elapsedStr)
	}

	return Decoded{ElapsedMS: elapsed, SignalEntropy: entropy}, nil
}

// Encode builds the wire form of a token. The browser widget is the real
// producer; this is the reference encoding for its contract and for tests.
func Encode(elapsedMS int64, entropy string) string {
	payload := strconv.FormatInt(elapsedMS, 10) + Separator + entropy
	return base64.StdEncoding.EncodeToString([]byte(payload))
}
