// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is the gateway's authenticated REST API for forge
// operations.
//
// Agent workloads cannot speak to the forge directly; they POST
// operation requests here, the policy engine decides, and the gateway
// performs the approved operation with its own credential. The route
// table is the enforcement surface: push, PR create, PR comment, and PR
// close are the only operations that exist. There is no merge route,
// and the [policy.Request] union the handlers build from has no merge
// variant, so a merge cannot be expressed at any layer.
//
// Every request is audited before its response is written.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gatehouse-project/gatehouse/allowlist"
	"github.com/gatehouse-project/gatehouse/audit"
	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/forge"
	"github.com/gatehouse-project/gatehouse/lib/secret"
	"github.com/gatehouse-project/gatehouse/policy"
	"github.com/gatehouse-project/gatehouse/token"
)

// DefaultRequestTimeout bounds one control API request end to end,
// including forge calls and retries.
const DefaultRequestTimeout = 60 * time.Second

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 200 * time.Millisecond
)

// Config configures a Server.
type Config struct {
	// SharedSecret authenticates callers; requests must carry it as a
	// bearer token. Required.
	SharedSecret *secret.Buffer

	// Forge performs the approved operations. Required.
	Forge *forge.Client

	// Tokens reports the credential lifecycle state on /api/health.
	// Required.
	Tokens *token.Manager

	// Allowlist reports digest and reload state on /api/health.
	// Required.
	Allowlist *allowlist.Store

	// Audit receives one entry per operation request. Required.
	Audit *audit.Logger

	// Policy configures the decision engine (protected refs).
	Policy policy.Config

	// RequestTimeout defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the control API. Serve its Handler on the control listener.
type Server struct {
	sharedSecret   *secret.Buffer
	forge          *forge.Client
	tokens         *token.Manager
	allowlist      *allowlist.Store
	audit          *audit.Logger
	policy         policy.Config
	requestTimeout time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	login loginCache
}

// New validates the configuration and returns a Server.
func New(config Config) (*Server, error) {
	if config.SharedSecret == nil {
		return nil, fmt.Errorf("control: SharedSecret is required")
	}
	if config.Forge == nil {
		return nil, fmt.Errorf("control: Forge is required")
	}
	if config.Tokens == nil {
		return nil, fmt.Errorf("control: Tokens is required")
	}
	if config.Allowlist == nil {
		return nil, fmt.Errorf("control: Allowlist is required")
	}
	if config.Audit == nil {
		return nil, fmt.Errorf("control: Audit is required")
	}

	server := &Server{
		sharedSecret:   config.SharedSecret,
		forge:          config.Forge,
		tokens:         config.Tokens,
		allowlist:      config.Allowlist,
		audit:          config.Audit,
		policy:         config.Policy,
		requestTimeout: config.RequestTimeout,
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		clock:          config.Clock,
		logger:         config.Logger,
	}
	if server.requestTimeout <= 0 {
		server.requestTimeout = DefaultRequestTimeout
	}
	if server.clock == nil {
		server.clock = clock.Real()
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server, nil
}

// Handler returns the route table. These four operation routes are the
// complete forge surface — adding an operation means adding a route
// here and a variant to the policy request union.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/git/push", s.authenticated("push", s.handlePush))
	mux.Handle("POST /api/pr/create", s.authenticated("pr_create", s.handlePRCreate))
	mux.Handle("POST /api/pr/comment", s.authenticated("pr_comment", s.handlePRComment))
	mux.Handle("POST /api/pr/close", s.authenticated("pr_close", s.handlePRClose))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

// authFailure is the audit payload for a rejected control request: the
// request context, never the presented credential.
type authFailure struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// authenticated wraps a handler with bearer-token verification. The
// comparison is constant-time; auth runs before any body parsing or
// policy evaluation. Rejected requests are audited like every other
// control call.
func (s *Server) authenticated(kind string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.clock.Now()
		header := r.Header.Get("Authorization")
		bearer, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !s.sharedSecret.ConstantTimeEquals([]byte(bearer)) {
			s.logger.Warn("control request rejected: bad credentials",
				"path", r.URL.Path,
				"client", r.RemoteAddr,
			)
			err := s.audit.Append(audit.Entry{
				SourceIdentity: r.RemoteAddr,
				OperationKind:  kind,
				Request:        authFailure{Method: r.Method, Path: r.URL.Path},
				Decision:       policy.Deny("unauthorized"),
				Outcome:        audit.OutcomeUnauthorized,
				DurationMS:     s.clock.Now().Sub(started).Milliseconds(),
			})
			if err != nil {
				s.logger.Error("audit append failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit log unavailable"})
				return
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": "unauthorized"})
			return
		}
		next(w, r)
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	started := s.clock.Now()

	var request policy.Push
	if !s.decodeRequest(w, r, &request) {
		return
	}
	if !strings.HasPrefix(request.Ref, "refs/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ref must be fully qualified (refs/...)"})
		return
	}
	if request.CommitSHA == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "commitSHA is required"})
		return
	}

	decision := policy.Decide(request, s.policy, policy.OwnershipUnknown)
	if !decision.Allow {
		s.respondDenied(w, r, request, decision, started)
		return
	}

	// Ref updates are not idempotent from the caller's perspective (a
	// retried update could clobber an interleaved push), so transient
	// failures surface immediately rather than being retried.
	ref, err := s.forge.UpdateRef(ctx, request.Ref, request.CommitSHA)
	if err != nil {
		s.respondBackendError(w, r, request, decision, started, err)
		return
	}

	if !s.respondAudited(w, r, request, decision, audit.OutcomeSuccess, started) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"newSha": ref.Object.SHA,
	})
}

func (s *Server) handlePRCreate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	started := s.clock.Now()

	var request policy.PRCreate
	if !s.decodeRequest(w, r, &request) {
		return
	}
	if request.Base == "" || request.Head == "" || request.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "base, head, and title are required"})
		return
	}

	decision := policy.Decide(request, s.policy, policy.OwnershipUnknown)
	if !decision.Allow {
		s.respondDenied(w, r, request, decision, started)
		return
	}

	// Creation is not idempotent; no retry.
	pull, err := s.forge.CreatePull(ctx, request.Base, request.Head, request.Title, request.Body)
	if err != nil {
		s.respondBackendError(w, r, request, decision, started, err)
		return
	}

	if !s.respondAudited(w, r, request, decision, audit.OutcomeSuccess, started) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prId": pull.Number,
		"url":  pull.HTMLURL,
	})
}

func (s *Server) handlePRComment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	started := s.clock.Now()

	var request policy.PRComment
	if !s.decodeRequest(w, r, &request) {
		return
	}
	if request.PRID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prId is required"})
		return
	}
	if request.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is required"})
		return
	}

	decision := policy.Decide(request, s.policy, policy.OwnershipUnknown)
	if !decision.Allow {
		s.respondDenied(w, r, request, decision, started)
		return
	}

	comment, err := s.forge.CreateComment(ctx, request.PRID, request.Body)
	if err != nil {
		s.respondBackendError(w, r, request, decision, started, err)
		return
	}

	if !s.respondAudited(w, r, request, decision, audit.OutcomeSuccess, started) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":  comment.ID,
		"url": comment.HTMLURL,
	})
}

func (s *Server) handlePRClose(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	started := s.clock.Now()

	var request policy.PRClose
	if !s.decodeRequest(w, r, &request) {
		return
	}
	if request.PRID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prId is required"})
		return
	}

	// Ownership lookup before the decision. A pull request that does
	// not exist is a 404; a lookup that fails any other way leaves
	// ownership unknown and the decision engine denies.
	ownership := policy.OwnershipUnknown
	pull, err := retryTransient(ctx, s.clock, s.retryAttempts, s.retryBaseDelay,
		func(ctx context.Context) (*forge.PullRequest, error) {
			return s.forge.GetPull(ctx, request.PRID)
		})
	if err != nil {
		if forge.IsNotFound(err) {
			s.respondNotFound(w, r, request, started)
			return
		}
		s.logger.Warn("ownership lookup failed, failing closed",
			"pr", request.PRID,
			"error", err,
		)
	} else {
		login, loginErr := s.currentLogin(ctx)
		if loginErr != nil {
			s.logger.Warn("identity lookup failed, failing closed", "error", loginErr)
		} else if pull.User.Login == login {
			ownership = policy.OwnershipSelf
		} else {
			ownership = policy.OwnershipOther
		}
	}

	decision := policy.Decide(request, s.policy, ownership)
	if !decision.Allow {
		s.respondDenied(w, r, request, decision, started)
		return
	}

	// Closing is idempotent; transient forge errors are retried.
	_, err = retryTransient(ctx, s.clock, s.retryAttempts, s.retryBaseDelay,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.forge.ClosePull(ctx, request.PRID)
		})
	if err != nil {
		s.respondBackendError(w, r, request, decision, started, err)
		return
	}

	if !s.respondAudited(w, r, request, decision, audit.OutcomeSuccess, started) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prId":  request.PRID,
		"state": "closed",
	})
}

// healthResponse is the GET /api/health body. Unauthenticated: it
// exposes gateway state, never credential material.
type healthResponse struct {
	Status           string `json:"status"`
	CredentialState  string `json:"credentialState"`
	AllowlistDigest  string `json:"allowlistDigest"`
	AllowlistEntries int    `json:"allowlistEntries"`
	LastReloadError  string `json:"lastReloadError,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.allowlist.Snapshot()
	credentialState := s.tokens.State()

	response := healthResponse{
		Status:           "ok",
		CredentialState:  string(credentialState),
		AllowlistDigest:  snapshot.Digest(),
		AllowlistEntries: snapshot.Len(),
	}
	if credentialState == token.StateAbsent || credentialState == token.StateExpired {
		response.Status = "degraded"
	}
	if reloadErr := s.allowlist.LastError(); reloadErr != nil {
		response.LastReloadError = reloadErr.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// decodeRequest parses the JSON body into destination, rejecting
// unknown fields. Returns false after writing the 400 response.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, destination any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return false
	}
	return true
}

// respondDenied audits a policy denial and writes the 403.
func (s *Server) respondDenied(w http.ResponseWriter, r *http.Request, request policy.Request, decision policy.Decision, started time.Time) {
	s.logger.Info("operation denied",
		"kind", request.Kind(),
		"reason", decision.Reason,
		"client", r.RemoteAddr,
	)
	if !s.appendEntry(w, r, request, decision, audit.OutcomeDenied, started) {
		return
	}
	writeJSON(w, http.StatusForbidden, map[string]string{"reason": decision.Reason})
}

// respondNotFound audits and writes the 404 for a missing pull request.
func (s *Server) respondNotFound(w http.ResponseWriter, r *http.Request, request policy.Request, started time.Time) {
	if !s.appendEntry(w, r, request, policy.Deny(policy.ReasonNotOwner), audit.OutcomeNotFound, started) {
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "pull request not found"})
}

// respondBackendError audits a forge failure and writes the 502 (or 404
// when the forge reported the resource missing).
func (s *Server) respondBackendError(w http.ResponseWriter, r *http.Request, request policy.Request, decision policy.Decision, started time.Time, backendErr error) {
	if forge.IsNotFound(backendErr) {
		s.respondNotFound(w, r, request, started)
		return
	}
	s.logger.Error("forge operation failed",
		"kind", request.Kind(),
		"error", backendErr,
	)
	if !s.appendEntry(w, r, request, decision, audit.OutcomeBackendError, started) {
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"detail": backendErr.Error()})
}

// respondAudited writes the success audit entry. Returns false after
// writing an error response if the entry could not be appended — the
// operation already happened, but the caller must not see success
// without a record of it.
func (s *Server) respondAudited(w http.ResponseWriter, r *http.Request, request policy.Request, decision policy.Decision, outcome string, started time.Time) bool {
	return s.appendEntry(w, r, request, decision, outcome, started)
}

func (s *Server) appendEntry(w http.ResponseWriter, r *http.Request, request policy.Request, decision policy.Decision, outcome string, started time.Time) bool {
	err := s.audit.Append(audit.Entry{
		SourceIdentity: r.RemoteAddr,
		OperationKind:  request.Kind(),
		Request:        request,
		Decision:       decision,
		Outcome:        outcome,
		DurationMS:     s.clock.Now().Sub(started).Milliseconds(),
	})
	if err != nil {
		s.logger.Error("audit append failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit log unavailable"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
