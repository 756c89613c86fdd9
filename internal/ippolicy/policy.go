// Package ippolicy evaluates visitor addresses against operator-configured
// allow and deny lists. Deny always wins: an address on both lists is denied.
package ippolicy

import "strings"

// Class is the result of classifying an address.
type Class int

const (
	// Neutral means the address is on neither list; normal validation applies.
	Neutral Class = iota

	// Allowed means the address is allowlisted and bypasses all further checks.
	Allowed

	// Denied means the address is denylisted and is rejected outright.
	Denied
)

func (c Class) String() string {
	switch c {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "neutral"
	}
}

// Policy holds the configured allow and deny sets. It is immutable after
// construction and safe for concurrent use.
type Policy struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// New builds a Policy from raw list entries. Entries are trimmed and blank
// lines dropped, so operator config pasted one-address-per-line works as is.
// A nil or empty list is simply an empty set.
func New(allow, deny []string) *Policy {
	return &Policy{
		allow: toSet(allow),
		deny:  toSet(deny),
	}
}

func toSet(entries []string) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		set[e] = struct{}{}
	}
	return set
}

// Classify returns the class for ip. Deny membership is checked before allow
// membership, so denylisting is never shadowed by the allowlist.
func (p *Policy) Classify(ip string) Class {
	if _, ok := p.deny[ip]; ok {
		return Denied
	}
	if _, ok := p.allow[ip]; ok {
		return Allowed
	}
	return Neutral
}
