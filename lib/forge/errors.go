// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIError is a non-2xx response from the backend REST API.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Message is the backend's error message.
	Message string
}

func (e *APIError) Error() string {
	message := e.Message
	if message == "" {
		message = "(no message)"
	}
	return fmt.Sprintf("forge: API error %d: %s", e.StatusCode, strings.TrimSpace(message))
}

// TransportError is a network-level failure: the request never received
// an HTTP response (connection refused, timeout, DNS failure). Always
// transient from the caller's perspective.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("forge: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// parseAPIError decodes a backend error body into an APIError. The
// backend returns structured JSON with a message field; anything else
// is kept verbatim.
func parseAPIError(statusCode int, body string) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var wireError struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(body), &wireError) == nil && wireError.Message != "" {
		apiError.Message = wireError.Message
	} else {
		apiError.Message = body
	}
	return apiError
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == 404
}

// IsTransient reports whether err is safe to retry: a transport-level
// failure, a 408/429, or a 5xx. Client errors (4xx other than 408/429)
// are permanent — retrying an identical request cannot succeed.
func IsTransient(err error) bool {
	var transportError *TransportError
	if errors.As(err, &transportError) {
		return true
	}
	var apiError *APIError
	if errors.As(err, &apiError) {
		switch {
		case apiError.StatusCode == 408, apiError.StatusCode == 429:
			return true
		case apiError.StatusCode >= 500:
			return true
		}
	}
	return false
}
