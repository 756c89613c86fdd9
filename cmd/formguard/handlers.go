package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/formguard/formguard/internal/identity"
	"github.com/formguard/formguard/internal/metrics"
	"github.com/formguard/formguard/internal/nonce"
	"github.com/formguard/formguard/internal/session"
	"github.com/formguard/formguard/internal/validate"
)

// apiServer holds the HTTP handlers' shared dependencies.
type apiServer struct {
	pipeline  *validate.Pipeline
	sessions  *session.Registry
	nonces    *nonce.Verifier
	ipHeader  string // operator-trusted client IP header; empty means use the socket peer
	ja3Header string
}

// clientIP extracts the visitor address. The socket peer is authoritative
// unless the operator explicitly named a header set by their own proxy;
// client-controlled headers like X-Forwarded-For are never trusted by
// default.
func (s *apiServer) clientIP(r *http.Request) string {
	if s.ipHeader != "" {
		if v := r.Header.Get(s.ipHeader); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// SessionResponse is returned at page-render time. The client embeds the
// session values in the page and echoes them back with the submission;
// expires_in tells it when a long-open page needs a fresh session.
type SessionResponse struct {
	SessionID    string `json:"session_id"`
	Nonce        string `json:"nonce"`
	IdentityHash string `json:"identity_hash"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *apiServer) handleSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Issue(r.Context())
	if err != nil {
		log.Printf("[api] session issue: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	metrics.SessionsIssued.Inc()

	ip := s.clientIP(r)
	resp := SessionResponse{
		SessionID:    id,
		Nonce:        s.nonces.Create(id),
		IdentityHash: identity.Hash(ip, r.UserAgent()),
		ExpiresIn:    int64(s.sessions.Lifetime().Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ValidateRequest is the request body for validation.
type ValidateRequest struct {
	FormID       string `json:"form_id"`
	Token        string `json:"token"`
	Nonce        string `json:"nonce"`
	SessionID    string `json:"session_id"`
	IdentityHash string `json:"identity_hash"`
}

func (s *apiServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sub := validate.Submission{
		VisitorIP:    s.clientIP(r),
		UserAgent:    r.UserAgent(),
		JA3:          r.Header.Get(s.ja3Header),
		Token:        req.Token,
		Nonce:        req.Nonce,
		SessionID:    req.SessionID,
		IdentityHash: req.IdentityHash,
		FormID:       req.FormID,
	}

	verdict, err := s.pipeline.Run(r.Context(), sub)
	if err != nil {
		log.Printf("[api] validate: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(verdict)
}

// ReportRequest is the request body for the post-submission report.
type ReportRequest struct {
	FormID string `json:"form_id"`
}

// handleReport is called by the host after a form submission has completed,
// so submissions arriving from banned IPs can be escalated.
func (s *apiServer) handleReport(w http.ResponseWriter, r *http.Request) {
	// An empty body is fine: the form id is optional context.
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sub := validate.Submission{
		VisitorIP: s.clientIP(r),
		UserAgent: r.UserAgent(),
		JA3:       r.Header.Get(s.ja3Header),
		FormID:    req.FormID,
	}
	if err := s.pipeline.AfterSubmission(r.Context(), sub); err != nil {
		log.Printf("[api] report: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
