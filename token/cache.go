// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/codec"
	"github.com/gatehouse-project/gatehouse/lib/forge"
	"github.com/gatehouse-project/gatehouse/lib/sealed"
	"github.com/gatehouse-project/gatehouse/lib/secret"
)

// cachePayload is the CBOR shape of a persisted credential. Timestamps
// are Unix seconds so the encoding is deterministic.
type cachePayload struct {
	Token     string `cbor:"token"`
	IssuedAt  int64  `cbor:"issuedAt"`
	ExpiresAt int64  `cbor:"expiresAt"`
	Scope     string `cbor:"scope"`
}

// Cache persists the live credential across gateway restarts, sealed
// to an age recipient so the plaintext token never touches disk. Load
// and Save are called only by the Manager, under its lock.
type Cache struct {
	path      string
	recipient string
	identity  *secret.Buffer
}

// NewCache creates a cache writing sealed credentials to path. The
// recipient is the age public key credentials are sealed to; identity
// is the matching private key used on load.
func NewCache(path, recipient string, identity *secret.Buffer) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("token: cache path is required")
	}
	if err := sealed.ParseRecipient(recipient); err != nil {
		return nil, fmt.Errorf("token: cache recipient: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("token: cache identity is required")
	}
	return &Cache{path: path, recipient: recipient, identity: identity}, nil
}

// Load reads and unseals the cached credential. A missing cache file
// returns (nil, nil); a corrupt or unreadable one returns an error and
// the caller starts absent.
func (cache *Cache) Load() (*forge.IssuedCredential, error) {
	ciphertext, err := os.ReadFile(cache.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading credential cache: %w", err)
	}

	plaintext, err := sealed.Unseal(ciphertext, cache.identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing credential cache: %w", err)
	}
	defer plaintext.Close()

	var payload cachePayload
	if err := codec.Unmarshal(plaintext.Bytes(), &payload); err != nil {
		return nil, fmt.Errorf("decoding credential cache: %w", err)
	}
	if payload.Token == "" || payload.ExpiresAt == 0 {
		return nil, fmt.Errorf("credential cache payload incomplete")
	}

	return &forge.IssuedCredential{
		Token:     payload.Token,
		IssuedAt:  time.Unix(payload.IssuedAt, 0).UTC(),
		ExpiresAt: time.Unix(payload.ExpiresAt, 0).UTC(),
		Scope:     payload.Scope,
	}, nil
}

// Save seals the credential and writes it with a rename so a crash
// mid-write never leaves a truncated cache.
func (cache *Cache) Save(credential *forge.IssuedCredential) error {
	plaintext, err := codec.Marshal(cachePayload{
		Token:     credential.Token,
		IssuedAt:  credential.IssuedAt.Unix(),
		ExpiresAt: credential.ExpiresAt.Unix(),
		Scope:     credential.Scope,
	})
	if err != nil {
		return fmt.Errorf("encoding credential cache: %w", err)
	}

	ciphertext, err := sealed.Seal(plaintext, cache.recipient)
	for i := range plaintext {
		plaintext[i] = 0
	}
	if err != nil {
		return fmt.Errorf("sealing credential cache: %w", err)
	}

	temporaryPath := cache.path + ".tmp"
	if err := os.WriteFile(temporaryPath, ciphertext, 0o600); err != nil {
		return fmt.Errorf("writing credential cache: %w", err)
	}
	if err := os.Rename(temporaryPath, cache.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("committing credential cache: %w", err)
	}
	return nil
}

// Remove deletes the cache file. Called when the credential is
// discarded so a stale sealed token does not outlive its revocation.
func (cache *Cache) Remove() error {
	if err := os.Remove(cache.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing credential cache: %w", err)
	}
	return nil
}

// Path returns the cache file location, for logs and diagnostics.
func (cache *Cache) Path() string {
	return filepath.Clean(cache.path)
}
