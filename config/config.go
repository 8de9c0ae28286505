// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package config defines the gateway configuration file format.
//
// One YAML file describes a complete gateway deployment: the two
// listeners (control API on the agent segment, egress proxy on the
// agent segment), the forge backend, the credential issuance endpoint,
// and the paths to the secret material the gateway loads at startup.
// Validation is strict — unknown keys are rejected, and every error
// names the offending field — because a misconfigured gateway is a
// security boundary with a hole in it.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the gateway configuration file.
type Config struct {
	// ControlListen is the agent-segment address for the control API,
	// e.g. "10.0.1.2:8080".
	ControlListen string `yaml:"controlListen"`

	// ProxyListen is the agent-segment address for the egress proxy,
	// e.g. "10.0.1.2:3128".
	ProxyListen string `yaml:"proxyListen"`

	// SharedSecretFile holds the bearer token agents present to the
	// control API. Loaded into protected memory at startup.
	SharedSecretFile string `yaml:"sharedSecretFile"`

	// AllowlistFile is the domain allowlist, one hostname per line.
	// Reloaded on SIGHUP.
	AllowlistFile string `yaml:"allowlistFile"`

	// AuditLogFile receives one JSON line per gateway decision,
	// append-only.
	AuditLogFile string `yaml:"auditLogFile"`

	Forge      Forge      `yaml:"forge"`
	Credential Credential `yaml:"credential"`
	Policy     Policy     `yaml:"policy"`
	Timeouts   Timeouts   `yaml:"timeouts"`
	Topology   Topology   `yaml:"topology"`

	// StrictTopology makes the agent-segment isolation checks (default
	// route, resolv.conf) fatal instead of warnings. Enable everywhere
	// except development machines.
	StrictTopology bool `yaml:"strictTopology"`
}

// Forge identifies the repository the gateway operates on.
type Forge struct {
	// BaseURL is the forge API root, e.g. "https://api.github.com".
	BaseURL string `yaml:"baseURL"`

	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

// Credential configures the token lifecycle manager.
type Credential struct {
	// Endpoint is the issuance URL that mints short-lived repository
	// credentials.
	Endpoint string `yaml:"endpoint"`

	// Scope is requested on every mint, e.g. "contents:write".
	Scope string `yaml:"scope"`

	// RefreshMargin is how long before expiry the proactive refresh
	// runs. Zero means the default (10m).
	RefreshMargin time.Duration `yaml:"refreshMargin"`

	// CacheFile, when set, persists the credential sealed with age so
	// a restart inside the token lifetime avoids a mint. CacheRecipient
	// and CacheIdentityFile must be set with it.
	CacheFile         string `yaml:"cacheFile"`
	CacheRecipient    string `yaml:"cacheRecipient"`
	CacheIdentityFile string `yaml:"cacheIdentityFile"`
}

// Policy configures the decision engine.
type Policy struct {
	// ProtectedRefs are ref patterns pushes may never touch, with * as
	// the only metacharacter.
	ProtectedRefs []string `yaml:"protectedRefs"`
}

// Topology points the isolation checks at the agent segment's view of
// the network. When the gateway supervises a network namespace, these
// are paths inside that namespace; empty values use the host defaults
// (/proc/net/route, /etc/resolv.conf).
type Topology struct {
	AgentRouteFile  string `yaml:"agentRouteFile"`
	AgentResolvConf string `yaml:"agentResolvConf"`
}

// Timeouts collects the gateway's time bounds. Zero values take the
// package defaults of the component that uses them.
type Timeouts struct {
	// Request bounds one control API request end to end.
	Request time.Duration `yaml:"request"`

	// Connect bounds upstream dials from the egress proxy.
	Connect time.Duration `yaml:"connect"`

	// Idle closes egress tunnels with no traffic for this long.
	Idle time.Duration `yaml:"idle"`

	// Peek bounds the wait for a tunnel's first TLS record.
	Peek time.Duration `yaml:"peek"`
}

// Load reads and validates a configuration file. Unknown keys are
// errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &config, nil
}

// Validate checks structural validity: addresses parse, URLs are
// well-formed and HTTPS, required fields are present. It does not touch
// the filesystem or the network — that is the bootstrap package's job.
func (c *Config) Validate() error {
	if c.ControlListen == "" {
		return fmt.Errorf("controlListen is required")
	}
	if _, _, err := net.SplitHostPort(c.ControlListen); err != nil {
		return fmt.Errorf("controlListen %q: %w", c.ControlListen, err)
	}
	if c.ProxyListen == "" {
		return fmt.Errorf("proxyListen is required")
	}
	if _, _, err := net.SplitHostPort(c.ProxyListen); err != nil {
		return fmt.Errorf("proxyListen %q: %w", c.ProxyListen, err)
	}
	if c.ControlListen == c.ProxyListen {
		return fmt.Errorf("controlListen and proxyListen must differ (both %q)", c.ControlListen)
	}

	if c.SharedSecretFile == "" {
		return fmt.Errorf("sharedSecretFile is required")
	}
	if c.AllowlistFile == "" {
		return fmt.Errorf("allowlistFile is required")
	}
	if c.AuditLogFile == "" {
		return fmt.Errorf("auditLogFile is required")
	}

	if err := validateHTTPSURL("forge.baseURL", c.Forge.BaseURL); err != nil {
		return err
	}
	if c.Forge.Owner == "" {
		return fmt.Errorf("forge.owner is required")
	}
	if c.Forge.Repo == "" {
		return fmt.Errorf("forge.repo is required")
	}

	if err := validateHTTPSURL("credential.endpoint", c.Credential.Endpoint); err != nil {
		return err
	}
	if c.Credential.Scope == "" {
		return fmt.Errorf("credential.scope is required")
	}
	if c.Credential.RefreshMargin < 0 {
		return fmt.Errorf("credential.refreshMargin must not be negative")
	}

	cacheFields := 0
	for _, value := range []string{c.Credential.CacheFile, c.Credential.CacheRecipient, c.Credential.CacheIdentityFile} {
		if value != "" {
			cacheFields++
		}
	}
	if cacheFields != 0 && cacheFields != 3 {
		return fmt.Errorf("credential cache requires cacheFile, cacheRecipient, and cacheIdentityFile together")
	}

	for _, pattern := range c.Policy.ProtectedRefs {
		if !strings.HasPrefix(pattern, "refs/") {
			return fmt.Errorf("policy.protectedRefs entry %q must start with refs/", pattern)
		}
	}

	for name, value := range map[string]time.Duration{
		"timeouts.request": c.Timeouts.Request,
		"timeouts.connect": c.Timeouts.Connect,
		"timeouts.idle":    c.Timeouts.Idle,
		"timeouts.peek":    c.Timeouts.Peek,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// CacheEnabled reports whether the sealed credential cache is
// configured.
func (c *Config) CacheEnabled() bool {
	return c.Credential.CacheFile != ""
}

func validateHTTPSURL(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, value, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s %q has no host", field, value)
	}
	if parsed.Scheme != "https" && !isLoopback(parsed.Hostname()) {
		return fmt.Errorf("%s must use HTTPS (got %q)", field, value)
	}
	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
