// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data: the
// control API's shared secret and the backend credential token.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped.
//
// Because the memory is outside the Go heap, the garbage collector
// never copies or relocates it, so zeroing on Close actually destroys
// the only copy.
package secret

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive data in memory that is locked against
// swapping, excluded from core dumps, and zeroed on close.
//
// A Buffer must not be copied after creation. After Close, any access
// to the contents panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	closed bool
}

// New allocates a secret buffer of the given size, backed by an
// anonymous mmap region that is mlocked and excluded from core dumps.
// The caller must Close the buffer when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock failed: %w", err)
	}

	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP) failed: %w", err)
	}

	return &Buffer{
		data:   data,
		length: size,
	}, nil
}

// NewFromBytes creates a secret buffer from existing data. The source
// bytes are copied into the protected region and then zeroed in place,
// so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// ReadFile reads a secret from a file into a protected buffer.
// Surrounding whitespace (trailing newlines in particular) is stripped
// before the value enters protected memory; the intermediate heap copy
// is zeroed. Returns an error if the file is missing or effectively
// empty.
func ReadFile(path string) (*Buffer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	trimmed := []byte(strings.TrimSpace(string(raw)))
	Zero(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}
	return NewFromBytes(trimmed)
}

// Bytes returns the buffer contents. The returned slice aliases the
// protected region: do not retain it past the buffer's lifetime, and
// never append to it. Panics if the buffer is closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: access after Close")
	}
	return b.data[:b.length]
}

// String returns the buffer contents as a string. The string is a heap
// copy — prefer Bytes plus ConstantTimeEquals where possible, and use
// String only where an API requires a string (e.g. an Authorization
// header value).
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the length of the secret. Panics if the buffer is closed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: access after Close")
	}
	return b.length
}

// ConstantTimeEquals compares the buffer contents against candidate
// without leaking timing information about the match position. Used by
// the control API to validate bearer tokens. Panics if the buffer is
// closed.
func (b *Buffer) ConstantTimeEquals(candidate []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: access after Close")
	}
	return subtle.ConstantTimeCompare(b.data[:b.length], candidate) == 1
}

// Close zeroes the buffer, unlocks it, and unmaps the region.
// Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.data)
	if err := unix.Munlock(b.data); err != nil {
		unix.Munmap(b.data)
		return fmt.Errorf("secret: munlock failed: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return nil
}

// Zero overwrites a byte slice with zeros. Use on any transient heap
// copy of secret material as soon as it has been moved into a Buffer.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
