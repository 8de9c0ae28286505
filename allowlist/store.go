// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package allowlist

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Store holds the live allowlist snapshot. Readers (the policy engine,
// one call per proxied connection) load the current snapshot with a
// single atomic pointer read; Reload swaps in a new snapshot only after
// the whole file has parsed successfully, so a reader never observes a
// partially-updated list.
type Store struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]

	// mu serializes reloads and guards lastError.
	mu        sync.Mutex
	lastError error
}

// NewStore loads the allowlist at path and returns a Store serving it.
// The initial load is mandatory: a gateway must not start without a
// valid allowlist.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	snapshot, err := Load(path)
	if err != nil {
		return nil, err
	}

	store := &Store{path: path, logger: logger}
	store.current.Store(snapshot)
	logger.Info("allowlist loaded",
		"path", path,
		"entries", snapshot.Len(),
		"digest", snapshot.Digest(),
	)
	return store, nil
}

// Snapshot returns the current allowlist snapshot. The returned value
// is immutable and remains valid (and consistent) even if a reload
// happens concurrently.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload re-reads the allowlist file. On parse failure the previous
// snapshot stays in effect and the error is retained for the health
// endpoint. On success the new snapshot is swapped in atomically and
// any previous reload error is cleared.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := Load(s.path)
	if err != nil {
		s.lastError = err
		s.logger.Error("allowlist reload failed, previous snapshot retained",
			"path", s.path,
			"error", err,
		)
		return err
	}

	s.current.Store(snapshot)
	s.lastError = nil
	s.logger.Info("allowlist reloaded",
		"path", s.path,
		"entries", snapshot.Len(),
		"digest", snapshot.Digest(),
	)
	return nil
}

// LastError returns the error from the most recent failed reload, or
// nil if the last reload (or the initial load) succeeded.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
