// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/netutil"
)

// IssuedCredential is a credential minted by the backend's issuance
// endpoint. The token string is moved into protected memory by the
// token lifecycle manager immediately after minting; this struct is
// transient.
type IssuedCredential struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Scope     string    `json:"scope"`
}

// Minter requests short-lived credentials from the backend's issuance
// endpoint. It is the only component that talks to that endpoint, and
// the token lifecycle manager is its only caller.
type Minter struct {
	endpoint   string
	scope      string
	httpClient *http.Client
}

// MinterConfig configures a Minter.
type MinterConfig struct {
	// Endpoint is the credential issuance URL. HTTPS required except
	// for loopback (test servers).
	Endpoint string

	// Scope is the scope requested for every minted credential.
	Scope string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewMinter validates the configuration and returns a Minter.
func NewMinter(config MinterConfig) (*Minter, error) {
	endpoint := strings.TrimSpace(config.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("forge: credential endpoint is required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("forge: invalid credential endpoint: %w", err)
	}
	if parsed.Scheme != "https" && !isLoopbackHost(parsed.Hostname()) {
		return nil, fmt.Errorf("forge: credential endpoint must use HTTPS (got %q)", endpoint)
	}
	if config.Scope == "" {
		return nil, fmt.Errorf("forge: credential scope is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Minter{
		endpoint:   endpoint,
		scope:      config.Scope,
		httpClient: httpClient,
	}, nil
}

// Mint requests a fresh credential. Returns a TransportError for
// network-level failures and *APIError for issuance rejections, so the
// token manager can distinguish retryable from permanent failures.
func (m *Minter) Mint(ctx context.Context) (*IssuedCredential, error) {
	request := struct {
		Scope string `json:"scope"`
	}{Scope: m.scope}

	body, err := postJSON(ctx, m.httpClient, m.endpoint, request)
	if err != nil {
		return nil, err
	}

	var credential IssuedCredential
	if err := json.Unmarshal(body, &credential); err != nil {
		return nil, fmt.Errorf("forge: parsing issued credential: %w", err)
	}
	if credential.Token == "" {
		return nil, fmt.Errorf("forge: issuance response missing token")
	}
	if credential.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("forge: issuance response missing expiresAt")
	}
	return &credential, nil
}

// postJSON sends a JSON POST to an absolute URL and returns the
// response body, mapping failures the same way Client.do does.
func postJSON(ctx context.Context, httpClient *http.Client, absoluteURL string, requestBody any) ([]byte, error) {
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("forge: encoding request body: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, absoluteURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("forge: creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, &TransportError{Method: http.MethodPost, Path: absoluteURL, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, parseAPIError(response.StatusCode, netutil.ErrorBody(response.Body))
	}
	body, err := netutil.ReadBody(response.Body)
	if err != nil {
		return nil, fmt.Errorf("forge: reading response body: %w", err)
	}
	return body, nil
}
