// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy is the gateway's shared decision function. Both the
// control API and the egress proxy consult it before acting.
//
// Decisions are pure: derived from the request (or proxy target), the
// read-only policy configuration, and what the caller learned about
// ownership — never from ambient state, and never cached across
// requests. Uncertainty never relaxes a restriction: when the forge is
// unreachable during an ownership check, the destructive operation is
// denied (see [Ownership]).
package policy

import (
	"net"
	"net/netip"
	"strings"

	"github.com/gatehouse-project/gatehouse/allowlist"
)

// Decision is the outcome of a policy evaluation. Reason is always set,
// including on allow, so audit entries are self-describing.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// Canonical decision reasons. These appear verbatim in audit entries,
// 403 response bodies, and the X-Gateway-Deny-Reason header.
const (
	ReasonOK                  = "ok"
	ReasonDirectIPBlocked     = "direct_ip_blocked"
	ReasonNotAllowlisted      = "not_allowlisted"
	ReasonForcePushBlocked    = "force_push_blocked"
	ReasonProtectedRefBlocked = "protected_branch_blocked"
	ReasonNotOwner            = "not_owner"
	ReasonSNIMismatch         = "sni_mismatch"
	ReasonMalformedTarget     = "malformed_target"
)

// allowed is the single allow value; denials construct their Decision
// with the specific reason.
var allowed = Decision{Allow: true, Reason: ReasonOK}

// Deny returns a denial with the given reason.
func Deny(reason string) Decision {
	return Decision{Allow: false, Reason: reason}
}

// Ownership is what the control API learned about a pull request's
// author before asking for a close decision. Unknown means the forge
// was unreachable or the lookup failed — the ambiguous case.
type Ownership int

const (
	// OwnershipUnknown means ownership could not be determined. Close
	// fails closed on this value.
	OwnershipUnknown Ownership = iota

	// OwnershipSelf means the pull request was opened by the gateway's
	// own identity.
	OwnershipSelf

	// OwnershipOther means the pull request was opened by someone else.
	OwnershipOther
)

// Config is the read-only policy configuration shared by all
// decisions.
type Config struct {
	// ProtectedRefs are glob patterns (with * as the only
	// metacharacter) for refs that pushes may never touch, e.g.
	// "refs/heads/main" or "refs/tags/*".
	ProtectedRefs []string
}

// Decide evaluates a control API request. Rules apply in order, first
// match wins:
//
//  1. Push with force=true           → deny force_push_blocked
//  2. Push to a protected ref        → deny protected_branch_blocked
//  3. Close of a PR not owned by the
//     gateway identity (or ownership
//     unknown)                       → deny not_owner
//  4. otherwise                      → allow
//
// The ownership argument is consulted only for PRClose; pass
// OwnershipUnknown for every other kind.
func Decide(request Request, config Config, ownership Ownership) Decision {
	switch typed := request.(type) {
	case Push:
		if typed.Force {
			return Deny(ReasonForcePushBlocked)
		}
		for _, pattern := range config.ProtectedRefs {
			if matchRefPattern(pattern, typed.Ref) {
				return Deny(ReasonProtectedRefBlocked)
			}
		}
		return allowed

	case PRClose:
		// Fail closed: only a positively confirmed self-owned PR may
		// be closed. Unknown (forge unreachable) denies.
		if ownership != OwnershipSelf {
			return Deny(ReasonNotOwner)
		}
		return allowed

	case PRCreate, PRComment:
		return allowed
	}

	// Unreachable while the Request set stays sealed.
	return Deny(ReasonMalformedTarget)
}

// DecideConnect evaluates an egress proxy target ("host" or
// "host:port"). Rules in order:
//
//  1. malformed target               → deny malformed_target
//  2. IP literal (v4 or v6)          → deny direct_ip_blocked
//  3. hostname not in the snapshot   → deny not_allowlisted
//  4. otherwise                      → allow
//
// IP literals are denied unconditionally — even an IP that resolves to
// an allowlisted hostname is rejected, because the gateway cannot
// verify the reverse mapping without trusting attacker-influenced DNS.
func DecideConnect(target string, snapshot *allowlist.Snapshot) Decision {
	if target == "" {
		return Deny(ReasonMalformedTarget)
	}

	// IP literal with or without a port, bracketed or not. Checked on
	// the raw target first so unbracketed IPv6 ("2606:2800::1") is not
	// mangled by host:port splitting.
	if _, err := netip.ParseAddr(target); err == nil {
		return Deny(ReasonDirectIPBlocked)
	}
	if _, err := netip.ParseAddrPort(target); err == nil {
		return Deny(ReasonDirectIPBlocked)
	}

	host := target
	if splitHost, _, err := net.SplitHostPort(target); err == nil {
		host = splitHost
	}

	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return Deny(ReasonMalformedTarget)
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return Deny(ReasonDirectIPBlocked)
	}

	if !snapshot.Contains(host) {
		return Deny(ReasonNotAllowlisted)
	}
	return allowed
}

// matchRefPattern matches a ref against a protection pattern. The only
// metacharacter is *, matching any run of characters (including none).
func matchRefPattern(pattern, ref string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == ref
	}

	if !strings.HasPrefix(ref, parts[0]) {
		return false
	}
	ref = ref[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		index := strings.Index(ref, parts[i])
		if index == -1 {
			return false
		}
		ref = ref[index+len(parts[i]):]
	}

	return strings.HasSuffix(ref, parts[len(parts)-1])
}
