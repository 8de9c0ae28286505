// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for the gateway's encrypted
// credential cache.
//
// The token lifecycle manager may persist the live backend credential
// across restarts so a restart within the token's lifetime avoids a
// re-acquisition round trip. That cache never touches disk in
// plaintext: the CBOR-encoded credential payload is encrypted to a
// configured age x25519 recipient, and decrypted at startup with the
// corresponding identity. Identities and decrypted plaintext travel in
// [secret.Buffer] values (mmap-backed, locked against swap, excluded
// from core dumps, zeroed on Close).
package sealed

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/gatehouse-project/gatehouse/lib/secret"
)

// Keypair holds an age x25519 keypair. The identity (private key) is
// stored in a secret.Buffer; the recipient (public key) is a plain
// string, safe to place in the gateway config file.
type Keypair struct {
	// Identity is the secret key in AGE-SECRET-KEY-1... format. Must
	// never be logged or passed on a command line.
	Identity *secret.Buffer

	// Recipient is the corresponding public key in age1... format.
	Recipient string
}

// Close releases the identity's protected memory. Idempotent.
func (k *Keypair) Close() error {
	if k.Identity != nil {
		return k.Identity.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair for the credential
// cache. The caller must Close the returned Keypair when done.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	// Move the identity string into protected memory immediately. The
	// transient heap string is unavoidable — age returns a string —
	// but the byte copy is zeroed by NewFromBytes.
	identityBuffer, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting age identity: %w", err)
	}

	return &Keypair{
		Identity:  identityBuffer,
		Recipient: identity.Recipient().String(),
	}, nil
}

// ParseRecipient validates an age public key in age1... format. Returns
// an error describing the problem if the key is malformed.
func ParseRecipient(publicKey string) error {
	trimmed := strings.TrimSpace(publicKey)
	if trimmed == "" {
		return fmt.Errorf("recipient is empty")
	}
	if _, err := age.ParseX25519Recipient(trimmed); err != nil {
		return fmt.Errorf("invalid age recipient: %w", err)
	}
	return nil
}

// Seal encrypts plaintext to the given age recipient and returns the
// age-format ciphertext, suitable for writing to the cache file.
func Seal(plaintext []byte, recipientPublicKey string) ([]byte, error) {
	recipient, err := age.ParseX25519Recipient(strings.TrimSpace(recipientPublicKey))
	if err != nil {
		return nil, fmt.Errorf("parsing age recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("starting age encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Unseal decrypts age-format ciphertext with the given identity and
// returns the plaintext in a protected buffer. The intermediate heap
// copy of the plaintext is zeroed before returning. The caller must
// Close the returned buffer.
func Unseal(ciphertext []byte, identity *secret.Buffer) (*secret.Buffer, error) {
	parsedIdentity, err := age.ParseX25519Identity(strings.TrimSpace(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), parsedIdentity)
	if err != nil {
		return nil, fmt.Errorf("age decryption failed: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading decrypted payload: %w", err)
	}

	// NewFromBytes zeroes the heap copy.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted payload: %w", err)
	}
	return buffer, nil
}
