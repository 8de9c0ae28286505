// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// staticToken is a TokenSource returning a fixed value.
type staticToken string

func (s staticToken) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:     server.URL,
		Owner:       "agent-org",
		Repo:        "workspace",
		TokenSource: staticToken("ghs_test_token"),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func TestNewClientValidation(t *testing.T) {
	t.Run("requires HTTPS for non-loopback", func(t *testing.T) {
		_, err := NewClient(Config{
			BaseURL:     "http://api.backend.example",
			Owner:       "o",
			Repo:        "r",
			TokenSource: staticToken("x"),
		})
		if err == nil {
			t.Fatal("plain HTTP base URL accepted")
		}
	})

	t.Run("allows loopback HTTP", func(t *testing.T) {
		_, err := NewClient(Config{
			BaseURL:     "http://127.0.0.1:8080",
			Owner:       "o",
			Repo:        "r",
			TokenSource: staticToken("x"),
		})
		if err != nil {
			t.Fatalf("loopback HTTP rejected: %v", err)
		}
	})

	t.Run("requires token source", func(t *testing.T) {
		_, err := NewClient(Config{BaseURL: "https://api.github.com", Owner: "o", Repo: "r"})
		if err == nil {
			t.Fatal("missing TokenSource accepted")
		}
	})
}

func TestUpdateRef(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"ref":    "refs/heads/feature-x",
			"object": map[string]any{"sha": gotBody.SHA, "type": "commit"},
		})
	}))

	ref, err := client.UpdateRef(context.Background(), "refs/heads/feature-x", "abc123")
	if err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	if gotPath != "PATCH /repos/agent-org/workspace/git/refs/heads/feature-x" {
		t.Fatalf("path: got %q", gotPath)
	}
	if gotAuth != "Bearer ghs_test_token" {
		t.Fatalf("authorization: got %q", gotAuth)
	}
	if gotBody.Force {
		t.Fatal("force flag sent as true")
	}
	if ref.Object.SHA != "abc123" {
		t.Fatalf("sha: got %q, want abc123", ref.Object.SHA)
	}
}

func TestCreatePull(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/agent-org/workspace/pulls" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   42,
			"state":    "open",
			"html_url": "https://backend.example/pulls/42",
			"user":     map[string]any{"login": "gateway-bot"},
		})
	}))

	pull, err := client.CreatePull(context.Background(), "main", "feature-x", "Add feature", "body")
	if err != nil {
		t.Fatalf("CreatePull: %v", err)
	}
	if pull.Number != 42 {
		t.Fatalf("number: got %d, want 42", pull.Number)
	}
	if pull.User.Login != "gateway-bot" {
		t.Fatalf("login: got %q", pull.User.Login)
	}
}

func TestClosePull(t *testing.T) {
	var gotState string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			State string `json:"state"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotState = body.State
		json.NewEncoder(w).Encode(map[string]any{"number": 7, "state": "closed"})
	}))

	if err := client.ClosePull(context.Background(), 7); err != nil {
		t.Fatalf("ClosePull: %v", err)
	}
	if gotState != "closed" {
		t.Fatalf("state: got %q, want closed", gotState)
	}
}

func TestNotFoundClassification(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "Not Found"})
	}))

	_, err := client.GetPull(context.Background(), 999)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound = false for 404: %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("404 classified as transient: %v", err)
	}
	if !strings.Contains(err.Error(), "Not Found") {
		t.Fatalf("backend message not surfaced: %v", err)
	}
}

func TestTransientClassification(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		_, err := client.GetPull(context.Background(), 1)
		if !IsTransient(err) {
			t.Fatalf("502 not classified as transient: %v", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		_, err := client.GetPull(context.Background(), 1)
		if !IsTransient(err) {
			t.Fatalf("429 not classified as transient: %v", err)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		client, err := NewClient(Config{
			BaseURL:     server.URL,
			Owner:       "o",
			Repo:        "r",
			TokenSource: staticToken("x"),
		})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		server.Close()

		_, err = client.GetPull(context.Background(), 1)
		if !IsTransient(err) {
			t.Fatalf("connection failure not classified as transient: %v", err)
		}
	})

	t.Run("validation error is permanent", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"message": "Validation Failed"})
		}))
		_, err := client.CreatePull(context.Background(), "main", "main", "t", "b")
		if IsTransient(err) {
			t.Fatalf("422 classified as transient: %v", err)
		}
	})
}
