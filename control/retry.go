// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"sync"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/forge"
)

// retryTransient runs operation up to attempts times, backing off
// exponentially between tries. Only transient forge failures (network
// errors, 5xx, rate limits) are retried; permanent failures and
// not-found return immediately. Used exclusively for idempotent
// operations — ref updates and creations never pass through here.
func retryTransient[T any](ctx context.Context, clk clock.Clock, attempts int, baseDelay time.Duration, operation func(context.Context) (T, error)) (T, error) {
	var result T
	var err error

	delay := baseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = operation(ctx)
		if err == nil || !forge.IsTransient(err) {
			return result, err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return result, ctx.Err()
		}
		delay *= 2
	}
	return result, err
}

// loginCache memoizes the forge account the gateway authenticates as.
// The login is stable for the life of the repository-scoped credential,
// so one successful lookup serves all subsequent ownership checks.
type loginCache struct {
	mu    sync.Mutex
	value string
}

// currentLogin returns the gateway's own forge login, fetching and
// caching it on first use.
func (s *Server) currentLogin(ctx context.Context) (string, error) {
	s.login.mu.Lock()
	defer s.login.mu.Unlock()
	if s.login.value != "" {
		return s.login.value, nil
	}

	user, err := retryTransient(ctx, s.clock, s.retryAttempts, s.retryBaseDelay,
		func(ctx context.Context) (*forge.User, error) {
			return s.forge.CurrentUser(ctx)
		})
	if err != nil {
		return "", err
	}
	s.login.value = user.Login
	return s.login.value, nil
}
