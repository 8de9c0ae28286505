// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"
)

func TestMarshalDeterminism(t *testing.T) {
	payload := map[string]any{
		"token":      "ghs_example",
		"scope":      "contents:write",
		"expires_at": time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC).Unix(),
	}

	first, err := Marshal(payload)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(payload)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same payload produced different encodings")
	}
}

func TestRoundTrip(t *testing.T) {
	type cached struct {
		Token     string `json:"token"`
		Scope     string `json:"scope"`
		ExpiresAt int64  `json:"expires_at"`
	}

	original := cached{Token: "ghs_abc", Scope: "contents:write", ExpiresAt: 1789000000}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded cached
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Fatalf("round trip: got %+v, want %+v", decoded, original)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"token": "ghs_abc", "future_field": true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded struct {
		Token string `json:"token"`
	}
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.Token != "ghs_abc" {
		t.Fatalf("token: got %q, want %q", decoded.Token, "ghs_abc")
	}
}
