// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package forge is a minimal typed client for the GitHub-shaped REST
// backend.
//
// The client exposes only the operations the control API is allowed to
// perform: ref update (push), pull request creation, commenting, and
// closing. There is no merge call — the gateway's API surface
// minimization starts here. Authentication is read per request from a
// [TokenSource] so the token lifecycle manager can rotate the
// credential underneath live traffic.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gatehouse-project/gatehouse/lib/netutil"
)

// apiVersion pins the backend REST API version header for consistent
// behavior as the API evolves.
const apiVersion = "2022-11-28"

// TokenSource supplies the current backend credential. Implementations
// may block briefly while a credential is being acquired or refreshed.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.github.com". HTTPS is
	// required except for loopback addresses (test servers).
	BaseURL string

	// Owner and Repo identify the single repository this gateway
	// serves.
	Owner string
	Repo  string

	// TokenSource supplies the bearer credential per request. Required.
	TokenSource TokenSource

	// HTTPClient is used for all requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Client is the backend API client. Safe for concurrent use.
type Client struct {
	baseURL     string
	owner       string
	repo        string
	tokenSource TokenSource
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a backend client from the given configuration.
func NewClient(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("forge: BaseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("forge: invalid BaseURL: %w", err)
	}
	if parsed.Scheme != "https" && !isLoopbackHost(parsed.Hostname()) {
		return nil, fmt.Errorf("forge: BaseURL must use HTTPS (got %q)", baseURL)
	}
	if config.Owner == "" || config.Repo == "" {
		return nil, fmt.Errorf("forge: Owner and Repo are required")
	}
	if config.TokenSource == nil {
		return nil, fmt.Errorf("forge: TokenSource is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     baseURL,
		owner:       config.Owner,
		repo:        config.Repo,
		tokenSource: config.TokenSource,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// isLoopbackHost reports whether host refers to the local machine.
// Plain HTTP is tolerated only for these, which keeps test servers
// usable without weakening the production HTTPS requirement.
func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// do executes an authenticated request against a path relative to the
// base URL and decodes the JSON response into result when result is
// non-nil. Non-2xx responses are returned as *APIError.
func (client *Client) do(ctx context.Context, method, path string, requestBody, result any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("forge: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("forge: creating request: %w", err)
	}

	token, err := client.tokenSource.Token(ctx)
	if err != nil {
		return fmt.Errorf("forge: obtaining credential: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", apiVersion)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		// Network-level failure: transport error, timeout, refused.
		return &TransportError{Method: method, Path: path, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return parseAPIError(response.StatusCode, netutil.ErrorBody(response.Body))
	}
	if result == nil {
		return nil
	}
	if err := netutil.DecodeBody(response.Body, result); err != nil {
		return fmt.Errorf("forge: decoding response: %w", err)
	}
	return nil
}

// get executes a GET and decodes the JSON response into result.
func (client *Client) get(ctx context.Context, path string, result any) error {
	return client.do(ctx, http.MethodGet, path, nil, result)
}

// post executes a POST and decodes the JSON response into result when
// result is non-nil.
func (client *Client) post(ctx context.Context, path string, requestBody, result any) error {
	return client.do(ctx, http.MethodPost, path, requestBody, result)
}

// patch executes a PATCH and decodes the JSON response into result
// when result is non-nil.
func (client *Client) patch(ctx context.Context, path string, requestBody, result any) error {
	return client.do(ctx, http.MethodPatch, path, requestBody, result)
}

// repoPath builds a path under the configured repository.
func (client *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", client.owner, client.repo) + fmt.Sprintf(format, args...)
}
