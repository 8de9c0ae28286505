// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O utilities for the
// gateway.
//
// Splice and SpliceReaders copy bytes bidirectionally between two
// established connections without parsing or modifying them — the core
// of the egress proxy's CONNECT tunnels. IsExpectedCloseError
// classifies the errors that occur during normal tunnel teardown so
// they are not logged as failures.
//
// The response helpers (ReadBody, DecodeBody, ErrorBody) bound all
// forge API response reads at MaxResponseSize to prevent unbounded
// memory allocation from a misbehaving upstream.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response body reads: 64 MB. This
// exists solely to keep a pathological response from exhausting memory;
// legitimate forge responses are orders of magnitude smaller.
const MaxResponseSize int64 = 64 << 20

// ReadBody reads a JSON API response body up to MaxResponseSize bytes.
// Use instead of io.ReadAll when reading HTTP response bodies.
func ReadBody(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeBody reads a response body (bounded at MaxResponseSize) and
// JSON-decodes it into v.
func DecodeBody(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body for diagnostic messages.
// Read errors are ignored — a partial or empty body is still useful in
// an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
