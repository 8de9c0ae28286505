// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Gatehouse is a credential-isolating network gateway for sandboxed
// agent workloads. It is the only path between the agent segment and
// the outside world: an allowlist-enforcing egress proxy on one
// listener, and an authenticated control API for forge operations on
// the other. Agent workloads never see the forge credential.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gatehouse-project/gatehouse/allowlist"
	"github.com/gatehouse-project/gatehouse/audit"
	"github.com/gatehouse-project/gatehouse/bootstrap"
	"github.com/gatehouse-project/gatehouse/config"
	"github.com/gatehouse-project/gatehouse/control"
	"github.com/gatehouse-project/gatehouse/egress"
	"github.com/gatehouse-project/gatehouse/lib/forge"
	"github.com/gatehouse-project/gatehouse/lib/secret"
	"github.com/gatehouse-project/gatehouse/lib/version"
	"github.com/gatehouse-project/gatehouse/policy"
	"github.com/gatehouse-project/gatehouse/token"
)

const (
	primeTimeout    = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	pflag.StringVar(&configPath, "config", "", "path to the gateway config file (required)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("gatehouse %s\n", version.Full())
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := bootstrap.Check(cfg, logger); err != nil {
		return err
	}
	if err := bootstrap.CheckTopology(cfg, logger); err != nil {
		return err
	}

	logger.Info("starting gatehouse",
		"version", version.Info(),
		"control_listen", cfg.ControlListen,
		"proxy_listen", cfg.ProxyListen,
		"strict_topology", cfg.StrictTopology,
	)

	sharedSecret, err := secret.ReadFile(cfg.SharedSecretFile)
	if err != nil {
		return fmt.Errorf("loading shared secret: %w", err)
	}
	defer sharedSecret.Close()

	store, err := allowlist.NewStore(cfg.AllowlistFile, logger)
	if err != nil {
		return err
	}

	auditLogger, auditFile, err := audit.OpenFile(cfg.AuditLogFile, nil)
	if err != nil {
		return err
	}
	defer auditFile.Close()

	backendHTTPClient := newBackendHTTPClient(cfg)

	tokens, err := buildTokenManager(cfg, backendHTTPClient, logger)
	if err != nil {
		return err
	}
	defer tokens.Close()

	// Acquire the first credential before serving: a gateway whose
	// issuer is misconfigured should fail the boot, not the first
	// agent operation.
	primeCtx, cancelPrime := context.WithTimeout(context.Background(), primeTimeout)
	err = tokens.Prime(primeCtx)
	cancelPrime()
	if err != nil {
		return fmt.Errorf("initial credential acquisition: %w", err)
	}

	forgeClient, err := forge.NewClient(forge.Config{
		BaseURL:     cfg.Forge.BaseURL,
		Owner:       cfg.Forge.Owner,
		Repo:        cfg.Forge.Repo,
		TokenSource: tokens,
		HTTPClient:  backendHTTPClient,
		Logger:      logger.With("component", "forge"),
	})
	if err != nil {
		return err
	}

	controlServer, err := control.New(control.Config{
		SharedSecret:   sharedSecret,
		Forge:          forgeClient,
		Tokens:         tokens,
		Allowlist:      store,
		Audit:          auditLogger,
		Policy:         policy.Config{ProtectedRefs: cfg.Policy.ProtectedRefs},
		RequestTimeout: cfg.Timeouts.Request,
		Logger:         logger.With("component", "control"),
	})
	if err != nil {
		return err
	}

	proxy, err := egress.New(egress.Config{
		Allowlist:      store,
		Audit:          auditLogger,
		PeekTimeout:    cfg.Timeouts.Peek,
		IdleTimeout:    cfg.Timeouts.Idle,
		ConnectTimeout: cfg.Timeouts.Connect,
		Logger:         logger.With("component", "egress"),
	})
	if err != nil {
		return err
	}

	controlListener, err := net.Listen("tcp", cfg.ControlListen)
	if err != nil {
		return fmt.Errorf("binding control listener: %w", err)
	}
	proxyListener, err := net.Listen("tcp", cfg.ProxyListen)
	if err != nil {
		controlListener.Close()
		return fmt.Errorf("binding proxy listener: %w", err)
	}

	controlHTTP := &http.Server{Handler: controlServer.Handler()}
	proxyHTTP := &http.Server{Handler: proxy}

	serveErrors := make(chan error, 2)
	go func() {
		if err := controlHTTP.Serve(controlListener); !errors.Is(err, http.ErrServerClosed) {
			serveErrors <- fmt.Errorf("control server: %w", err)
		}
	}()
	go func() {
		if err := proxyHTTP.Serve(proxyListener); !errors.Is(err, http.ErrServerClosed) {
			serveErrors <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	// SIGHUP reloads the allowlist; a failed reload keeps the previous
	// snapshot and surfaces on /api/health.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			store.Reload()
		}
	}()

	bootstrap.NotifyReady()
	logger.Info("gatehouse ready",
		"allowlist_entries", store.Snapshot().Len(),
		"allowlist_digest", store.Snapshot().Digest(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErrors:
		return err
	}

	bootstrap.NotifyStopping()
	signal.Stop(reload)
	close(reload)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var shutdownErr error
	if err := controlHTTP.Shutdown(shutdownCtx); err != nil {
		shutdownErr = err
	}
	if err := proxyHTTP.Shutdown(shutdownCtx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}

	logger.Info("shutdown complete")
	return nil
}

// newBackendHTTPClient builds the HTTP client shared by the forge
// client and the credential minter, with the configured connect
// timeout on its dials.
func newBackendHTTPClient(cfg *config.Config) *http.Client {
	connectTimeout := cfg.Timeouts.Connect
	if connectTimeout <= 0 {
		connectTimeout = egress.DefaultConnectTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:     (&net.Dialer{Timeout: connectTimeout}).DialContext,
			MaxIdleConns:    16,
			IdleConnTimeout: 90 * time.Second,
		},
	}
}

// buildTokenManager wires the minter and, when configured, the sealed
// on-disk credential cache.
func buildTokenManager(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (*token.Manager, error) {
	minter, err := forge.NewMinter(forge.MinterConfig{
		Endpoint:   cfg.Credential.Endpoint,
		Scope:      cfg.Credential.Scope,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, err
	}

	managerConfig := token.Config{
		Minter:        minter,
		RefreshMargin: cfg.Credential.RefreshMargin,
		Logger:        logger.With("component", "token"),
	}

	if cfg.CacheEnabled() {
		identity, err := secret.ReadFile(cfg.Credential.CacheIdentityFile)
		if err != nil {
			return nil, fmt.Errorf("loading cache identity: %w", err)
		}
		cache, err := token.NewCache(cfg.Credential.CacheFile, cfg.Credential.CacheRecipient, identity)
		if err != nil {
			identity.Close()
			return nil, err
		}
		managerConfig.Cache = cache
	}

	return token.NewManager(managerConfig)
}
