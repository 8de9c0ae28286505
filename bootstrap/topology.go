// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/gatehouse-project/gatehouse/config"
)

const (
	defaultRouteFile  = "/proc/net/route"
	defaultResolvConf = "/etc/resolv.conf"
)

// rtfGateway is the kernel route flag marking a gatewayed route.
const rtfGateway = 0x2

// CheckTopology verifies the agent segment is actually isolated: no
// default route pointing past the gateway, and no DNS resolvers that
// would let workloads resolve (and be tempted to reach) arbitrary
// hosts. The file paths come from the configuration so a gateway
// supervising a network namespace can point them at the namespace's
// /proc and resolv.conf.
//
// In strict mode violations are fatal (*ConfigurationError); otherwise
// they are logged as warnings, for development hosts where the gateway
// shares the machine with everything else.
func CheckTopology(cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	routeFile := cfg.Topology.AgentRouteFile
	if routeFile == "" {
		routeFile = defaultRouteFile
	}
	resolvConf := cfg.Topology.AgentResolvConf
	if resolvConf == "" {
		resolvConf = defaultResolvConf
	}

	var problems []string
	if hasDefault, err := hasDefaultRoute(routeFile); err != nil {
		problems = append(problems, fmt.Sprintf("reading %s: %v", routeFile, err))
	} else if hasDefault {
		problems = append(problems, fmt.Sprintf(
			"agent segment has a default route (%s): workloads can bypass the gateway", routeFile))
	}

	if resolvers, err := nameservers(resolvConf); err != nil {
		problems = append(problems, fmt.Sprintf("reading %s: %v", resolvConf, err))
	} else if len(resolvers) > 0 {
		problems = append(problems, fmt.Sprintf(
			"agent segment has DNS resolvers configured (%s): %s",
			resolvConf, strings.Join(resolvers, ", ")))
	}

	if len(problems) == 0 {
		return nil
	}
	if cfg.StrictTopology {
		return &ConfigurationError{Problems: problems}
	}
	for _, problem := range problems {
		logger.Warn("topology check failed (non-strict mode, continuing)", "problem", problem)
	}
	return nil
}

// hasDefaultRoute parses a /proc/net/route table and reports whether
// any interface carries a gatewayed route for destination 0.0.0.0.
func hasDefaultRoute(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	first := true
	for scanner.Scan() {
		if first {
			first = false // header row
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		destination := fields[1]
		flags, err := strconv.ParseUint(fields[3], 16, 32)
		if err != nil {
			continue
		}
		if destination == "00000000" && flags&rtfGateway != 0 {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// nameservers returns the resolver addresses listed in a resolv.conf.
// A missing file counts as no resolvers: that is the desired state for
// the agent segment.
func nameservers(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var resolvers []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if comment := strings.IndexAny(line, "#;"); comment >= 0 {
			line = strings.TrimSpace(line[:comment])
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "nameserver" {
			resolvers = append(resolvers, fields[1])
		}
	}
	return resolvers, scanner.Err()
}
