// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package token owns the single live backend credential.
//
// The Manager is the only writer of credential state; every other
// component reads through [Manager.Token], which blocks until a valid
// credential exists. Lifecycle:
//
//	absent → acquiring → valid → refreshing → valid (rotated) → expired
//
// Acquisition and refresh are single-flight: double-checked locking
// ensures that N concurrent readers arriving while no credential exists
// trigger exactly one upstream issuance call. A background timer
// refreshes the credential refreshMargin before expiry; readers during
// the refresh keep receiving the still-valid old credential until the
// new one commits atomically.
//
// Credential bytes live in [secret.Buffer] protected memory and,
// optionally, in an age-sealed on-disk cache (see [Cache]) so a gateway
// restart inside the token's lifetime avoids an issuance round trip.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/forge"
	"github.com/gatehouse-project/gatehouse/lib/secret"
)

// State is the credential lifecycle state, exposed on the health
// endpoint.
type State string

const (
	StateAbsent     State = "absent"
	StateAcquiring  State = "acquiring"
	StateValid      State = "valid"
	StateRefreshing State = "refreshing"
	StateExpired    State = "expired"
)

// DefaultRefreshMargin is how long before expiry the proactive refresh
// fires.
const DefaultRefreshMargin = 10 * time.Minute

// DefaultAcquireTimeout bounds a single issuance call.
const DefaultAcquireTimeout = 30 * time.Second

// refreshRetryInterval is how long to wait before retrying a failed
// proactive refresh while the old credential is still valid.
const refreshRetryInterval = 30 * time.Second

// Minter issues credentials. Implemented by [forge.Minter]; tests
// substitute counters.
type Minter interface {
	Mint(ctx context.Context) (*forge.IssuedCredential, error)
}

// Config configures a Manager.
type Config struct {
	// Minter issues credentials. Required.
	Minter Minter

	// RefreshMargin is how long before expiry the background refresh
	// runs. Defaults to DefaultRefreshMargin.
	RefreshMargin time.Duration

	// AcquireTimeout bounds each issuance call. Defaults to
	// DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	// Cache, when non-nil, persists the credential sealed at rest and
	// pre-loads it on startup.
	Cache *Cache

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager holds the live credential. Safe for concurrent use.
type Manager struct {
	minter         Minter
	refreshMargin  time.Duration
	acquireTimeout time.Duration
	cache          *Cache
	clock          clock.Clock
	logger         *slog.Logger

	mu           sync.Mutex
	state        State
	credential   *secret.Buffer
	issuedAt     time.Time
	expiresAt    time.Time
	scope        string
	acquireDone  chan struct{} // closed when the in-flight acquisition finishes
	refreshTimer *clock.Timer
	closed       bool
}

// NewManager creates a Manager in the absent state (or valid, if a
// fresh cached credential is loaded). No issuance call happens until
// the first Token read or an explicit Prime.
func NewManager(config Config) (*Manager, error) {
	if config.Minter == nil {
		return nil, fmt.Errorf("token: Minter is required")
	}

	manager := &Manager{
		minter:         config.Minter,
		refreshMargin:  config.RefreshMargin,
		acquireTimeout: config.AcquireTimeout,
		cache:          config.Cache,
		clock:          config.Clock,
		logger:         config.Logger,
		state:          StateAbsent,
	}
	if manager.refreshMargin <= 0 {
		manager.refreshMargin = DefaultRefreshMargin
	}
	if manager.acquireTimeout <= 0 {
		manager.acquireTimeout = DefaultAcquireTimeout
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.logger == nil {
		manager.logger = slog.Default()
	}

	if manager.cache != nil {
		if cached, err := manager.cache.Load(); err != nil {
			manager.logger.Warn("credential cache unusable, starting absent", "error", err)
		} else if cached != nil {
			if manager.clock.Now().Before(cached.ExpiresAt.Add(-manager.refreshMargin)) {
				manager.mu.Lock()
				if err := manager.commitLocked(cached); err != nil {
					manager.mu.Unlock()
					return nil, err
				}
				manager.mu.Unlock()
				manager.logger.Info("credential restored from sealed cache",
					"expires_at", cached.ExpiresAt,
					"scope", cached.Scope,
				)
			} else {
				manager.logger.Info("cached credential inside refresh margin, ignoring")
			}
		}
	}

	return manager, nil
}

// Token returns the current credential, acquiring one if necessary.
// Blocks during the acquiring window; during refreshing it returns the
// still-valid old credential without blocking. Implements
// [forge.TokenSource].
func (m *Manager) Token(ctx context.Context) (string, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", fmt.Errorf("token: manager closed")
		}

		switch m.state {
		case StateValid, StateRefreshing:
			if m.clock.Now().Before(m.expiresAt) {
				value := m.credential.String()
				m.mu.Unlock()
				return value, nil
			}
			// The credential expired before a refresh landed. Discard
			// and fall through to acquisition.
			m.discardLocked()

		case StateAcquiring:
			waitChannel := m.acquireDone
			m.mu.Unlock()
			select {
			case <-waitChannel:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		// absent or expired: this caller performs the acquisition.
		m.state = StateAcquiring
		m.acquireDone = make(chan struct{})
		waitChannel := m.acquireDone
		m.mu.Unlock()

		err := m.acquire()

		m.mu.Lock()
		close(waitChannel)
		m.acquireDone = nil
		if err != nil {
			m.state = StateAbsent
			m.mu.Unlock()
			return "", fmt.Errorf("token: acquisition failed: %w", err)
		}
		value := m.credential.String()
		m.mu.Unlock()
		return value, nil
	}
}

// Prime acquires a credential eagerly. Used at startup so the first
// agent request does not pay the issuance latency, and so a broken
// credential source fails the boot instead of the first operation.
func (m *Manager) Prime(ctx context.Context) error {
	_, err := m.Token(ctx)
	return err
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if (m.state == StateValid || m.state == StateRefreshing) && !m.clock.Now().Before(m.expiresAt) {
		return StateExpired
	}
	return m.state
}

// ExpiresAt returns the current credential's expiry, or the zero time
// when no credential is held.
func (m *Manager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}

// Close stops the refresh timer and destroys the credential memory.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.discardLocked()
	return nil
}

// acquire performs one issuance call and commits the result. Called
// with the state already set to StateAcquiring and the lock released —
// the acquireDone channel guarantees single flight.
func (m *Manager) acquire() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.acquireTimeout)
	defer cancel()

	issued, err := m.minter.Mint(ctx)
	if err != nil {
		m.logger.Error("credential acquisition failed", "error", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(issued)
}

// commitLocked swaps in a newly issued credential, schedules the
// proactive refresh, and rewrites the sealed cache. The issued token
// string is moved into protected memory; callers must not retain it.
func (m *Manager) commitLocked(issued *forge.IssuedCredential) error {
	buffer, err := secret.NewFromBytes([]byte(issued.Token))
	if err != nil {
		return fmt.Errorf("token: protecting credential: %w", err)
	}

	if m.credential != nil {
		m.credential.Close()
	}
	m.credential = buffer
	m.issuedAt = issued.IssuedAt
	m.expiresAt = issued.ExpiresAt
	m.scope = issued.Scope
	m.state = StateValid

	refreshIn := m.expiresAt.Add(-m.refreshMargin).Sub(m.clock.Now())
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = m.clock.AfterFunc(refreshIn, func() { go m.refresh() })

	m.logger.Info("credential committed",
		"state", m.state,
		"expires_at", m.expiresAt,
		"refresh_in", refreshIn,
		"scope", m.scope,
	)

	if m.cache != nil {
		if err := m.cache.Save(issued); err != nil {
			// Cache write failure is not fatal: the live credential is
			// intact, only restart continuity is lost.
			m.logger.Warn("credential cache write failed", "error", err)
		}
	}
	return nil
}

// refresh is the proactive background rotation. Readers keep the old
// credential until the new one commits.
func (m *Manager) refresh() {
	m.mu.Lock()
	if m.closed || m.state != StateValid {
		m.mu.Unlock()
		return
	}
	m.state = StateRefreshing
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.acquireTimeout)
	defer cancel()

	issued, err := m.minter.Mint(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if err != nil {
		stillValid := m.clock.Now().Before(m.expiresAt)
		m.logger.Error("credential refresh failed",
			"error", err,
			"old_credential_valid", stillValid,
		)
		if stillValid {
			// Keep serving the old credential and retry shortly.
			m.state = StateValid
			if m.refreshTimer != nil {
				m.refreshTimer.Stop()
			}
			m.refreshTimer = m.clock.AfterFunc(refreshRetryInterval, func() { go m.refresh() })
		} else {
			m.discardLocked()
		}
		return
	}

	if commitErr := m.commitLocked(issued); commitErr != nil {
		m.logger.Error("credential commit failed", "error", commitErr)
		m.discardLocked()
	}
}

// discardLocked destroys the held credential and returns to absent.
func (m *Manager) discardLocked() {
	if m.credential != nil {
		m.credential.Close()
		m.credential = nil
	}
	m.issuedAt = time.Time{}
	m.expiresAt = time.Time{}
	m.state = StateAbsent
}

var _ forge.TokenSource = (*Manager)(nil)
