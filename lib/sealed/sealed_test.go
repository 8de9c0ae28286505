// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"strings"
	"testing"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte(`{"token":"ghs_cached","expires_at":1789000000}`)
	ciphertext, err := Seal(append([]byte(nil), plaintext...), keypair.Recipient)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("ghs_cached")) {
		t.Fatal("ciphertext contains plaintext token")
	}

	decrypted, err := Unseal(ciphertext, keypair.Identity)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	defer decrypted.Close()

	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Fatalf("round trip: got %q, want %q", decrypted.Bytes(), plaintext)
	}
}

func TestUnsealWrongIdentity(t *testing.T) {
	sealer, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer sealer.Close()

	other, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer other.Close()

	ciphertext, err := Seal([]byte("payload"), sealer.Recipient)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Unseal(ciphertext, other.Identity); err == nil {
		t.Fatal("expected decryption failure with wrong identity")
	}
}

func TestParseRecipient(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if err := ParseRecipient(keypair.Recipient); err != nil {
		t.Fatalf("valid recipient rejected: %v", err)
	}
	if err := ParseRecipient(" " + keypair.Recipient + "\n"); err != nil {
		t.Fatalf("whitespace-padded recipient rejected: %v", err)
	}
	if err := ParseRecipient(""); err == nil {
		t.Fatal("empty recipient accepted")
	}
	if err := ParseRecipient("age1notarealkey"); err == nil {
		t.Fatal("malformed recipient accepted")
	}
	if !strings.HasPrefix(keypair.Recipient, "age1") {
		t.Fatalf("unexpected recipient format: %q", keypair.Recipient)
	}
}
