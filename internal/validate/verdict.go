package validate

// Reason identifies why a submission was rejected. The zero value means the
// submission was accepted.
type Reason string

const (
	ReasonIPBlacklisted    Reason = "ip_blacklisted"
	ReasonJA3Invalid       Reason = "transport_fingerprint_invalid"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonSessionInvalid   Reason = "session_invalid"
	ReasonIdentityMismatch Reason = "identity_mismatch"
	ReasonNonceInvalid     Reason = "nonce_invalid"
	ReasonTokenFormat      Reason = "token_format_invalid"
	ReasonThreshold        Reason = "signal_threshold_failed"
)

// Verdict is the outcome of one validation attempt. By the time a Verdict is
// returned all side effects (session consumption, failure registration) have
// already been applied.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
}

func accept() Verdict {
	return Verdict{Accepted: true}
}

// Submission carries the inputs to one validation attempt. Built per request
// by the HTTP layer; never persisted.
type Submission struct {
	VisitorIP    string
	UserAgent    string
	JA3          string // TLS client fingerprint from the fronting proxy; optional
	Token        string // opaque client token; may be empty or the no-interaction sentinel
	Nonce        string
	SessionID    string
	IdentityHash string
	FormID       string
}
