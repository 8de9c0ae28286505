// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit appends one immutable JSON line per gateway decision.
//
// Every control API call and every egress CONNECT attempt — allowed or
// denied — produces exactly one entry, written before the response is
// sent to the caller (log-then-respond). A client therefore never
// observes a successful operation that lacks an audit record. The
// logger only ever appends: it never seeks, truncates, or rewrites, and
// a whole line is written under one mutex hold so concurrent appends
// cannot interleave. Retention and rotation are external log-management
// concerns.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/version"
	"github.com/gatehouse-project/gatehouse/policy"
)

// Outcome values recorded in entries.
const (
	OutcomeSuccess      = "success"
	OutcomeDenied       = "denied"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNotFound     = "not_found"
	OutcomeBackendError = "backend_error"
	OutcomeTunnelOpened = "tunnel_opened"
	OutcomeTunnelError  = "tunnel_error"
)

// Entry is a single audit record. Entries are immutable once written.
type Entry struct {
	// Timestamp is when the gateway finished deciding, in UTC.
	Timestamp time.Time `json:"timestamp"`

	// SourceIdentity identifies the caller: the remote address of the
	// connection that issued the request.
	SourceIdentity string `json:"sourceIdentity"`

	// OperationKind is "push", "pr_create", "pr_comment", "pr_close",
	// "connect", or "http_forward".
	OperationKind string `json:"operationKind"`

	// Request is the operation payload: the control request struct, or
	// for proxy entries the target host:port.
	Request any `json:"request"`

	// Decision is the policy outcome for this request.
	Decision policy.Decision `json:"decision"`

	// Outcome records what happened after the decision.
	Outcome string `json:"outcome"`

	// DurationMS is the wall time the gateway spent on the operation.
	DurationMS int64 `json:"durationMs"`

	// GatewayVersion is the gateway build that wrote the entry.
	GatewayVersion string `json:"gatewayVersion"`

	// RequestDigest is the hex BLAKE3 digest of the serialized Request
	// field, letting external tooling deduplicate and reference entries
	// without re-hashing full payloads.
	RequestDigest string `json:"requestDigest,omitempty"`
}

// Logger appends entries as newline-delimited JSON to a single sink.
// Safe for concurrent use.
type Logger struct {
	clock clock.Clock

	mu   sync.Mutex
	sink io.Writer
}

// New creates a Logger writing to sink. The clock parameter may be nil,
// in which case the real clock is used.
func New(sink io.Writer, clk clock.Clock) *Logger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Logger{sink: sink, clock: clk}
}

// OpenFile creates a Logger appending to the file at path. The file is
// opened append-only and is never truncated.
func OpenFile(path string, clk clock.Clock) (*Logger, *os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	return New(file, clk), file, nil
}

// Append completes the entry (timestamp, version, request digest) and
// writes it as one JSON line. Callers must Append before sending their
// response. Returns an error if the entry cannot be serialized or the
// sink write fails — callers treat that as a failed operation rather
// than proceeding unaudited.
func (l *Logger) Append(entry Entry) error {
	entry.Timestamp = l.clock.Now().UTC()
	entry.GatewayVersion = version.Short()

	if entry.Request != nil {
		requestJSON, err := json.Marshal(entry.Request)
		if err != nil {
			return fmt.Errorf("audit: serializing request: %w", err)
		}
		digest := blake3.Sum256(requestJSON)
		entry.RequestDigest = fmt.Sprintf("%x", digest[:])
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: serializing entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.sink.Write(line); err != nil {
		return fmt.Errorf("audit: appending entry: %w", err)
	}
	return nil
}
