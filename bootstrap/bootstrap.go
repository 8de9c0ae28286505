// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap validates the gateway's environment before any
// listener binds.
//
// The checks are all-or-nothing: a gateway that cannot load its secret
// material, parse its allowlist, or demonstrate a sane network topology
// refuses to start. Failing at boot with a list of named problems beats
// starting with a hole in the isolation boundary.
package bootstrap

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/gatehouse-project/gatehouse/allowlist"
	"github.com/gatehouse-project/gatehouse/config"
	"github.com/gatehouse-project/gatehouse/lib/sealed"
	"github.com/gatehouse-project/gatehouse/lib/secret"
)

// minimumSecretLength is the shortest shared secret the gateway will
// accept. Anything shorter is guessable.
const minimumSecretLength = 16

// ConfigurationError aggregates every problem found during startup
// validation, so an operator fixes one boot attempt instead of five.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("configuration: %d problems:\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Check runs the environment validation for a loaded configuration:
// secret material loads, the allowlist parses, the audit destination is
// writable, and the listen addresses belong to this host. Returns a
// *ConfigurationError naming every failure.
func Check(cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var problems []string

	if buffer, err := secret.ReadFile(cfg.SharedSecretFile); err != nil {
		problems = append(problems, fmt.Sprintf("sharedSecretFile: %v", err))
	} else {
		if buffer.Len() < minimumSecretLength {
			problems = append(problems, fmt.Sprintf(
				"sharedSecretFile: secret is %d bytes, need at least %d",
				buffer.Len(), minimumSecretLength))
		}
		buffer.Close()
	}

	if snapshot, err := allowlist.Load(cfg.AllowlistFile); err != nil {
		problems = append(problems, fmt.Sprintf("allowlistFile: %v", err))
	} else if snapshot.Len() == 0 {
		// Valid but unusual: every egress attempt will be denied.
		logger.Warn("allowlist is empty, all egress will be denied",
			"path", cfg.AllowlistFile,
		)
	}

	if directory := filepath.Dir(cfg.AuditLogFile); !directoryExists(directory) {
		problems = append(problems, fmt.Sprintf(
			"auditLogFile: directory %s does not exist", directory))
	}

	if cfg.CacheEnabled() {
		if err := sealed.ParseRecipient(cfg.Credential.CacheRecipient); err != nil {
			problems = append(problems, fmt.Sprintf("credential.cacheRecipient: %v", err))
		}
		if buffer, err := secret.ReadFile(cfg.Credential.CacheIdentityFile); err != nil {
			problems = append(problems, fmt.Sprintf("credential.cacheIdentityFile: %v", err))
		} else {
			buffer.Close()
		}
	}

	problems = append(problems, checkListenAddresses(cfg)...)

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// checkListenAddresses verifies the control and proxy listeners name
// specific local addresses. A wildcard bind would expose the agent-only
// surfaces on every interface of a dual-homed host, silently undoing
// the segmentation the gateway exists to enforce.
func checkListenAddresses(cfg *config.Config) []string {
	var problems []string
	localAddresses, err := hostAddresses()
	if err != nil {
		return []string{fmt.Sprintf("enumerating interfaces: %v", err)}
	}

	for field, listen := range map[string]string{
		"controlListen": cfg.ControlListen,
		"proxyListen":   cfg.ProxyListen,
	} {
		host, _, err := net.SplitHostPort(listen)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s %q: %v", field, listen, err))
			continue
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			problems = append(problems, fmt.Sprintf(
				"%s must bind a specific agent-segment address, not the wildcard", field))
			continue
		}
		if !localAddresses[host] {
			problems = append(problems, fmt.Sprintf(
				"%s address %s is not assigned to any local interface", field, host))
		}
	}
	return problems
}

func hostAddresses() (map[string]bool, error) {
	interfaceAddresses, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	addresses := make(map[string]bool, len(interfaceAddresses))
	for _, address := range interfaceAddresses {
		if ipNet, ok := address.(*net.IPNet); ok {
			addresses[ipNet.IP.String()] = true
		}
	}
	return addresses, nil
}

func directoryExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
