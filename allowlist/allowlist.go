// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package allowlist loads and holds the egress hostname allowlist.
//
// The allowlist file is line-oriented: one exact hostname per line,
// comments starting with #, blank lines ignored. There is no wildcard
// or suffix matching — a hostname is allowed iff it appears verbatim
// (after case folding) in the file. Entries that are IP literals or
// contain wildcards are parse errors rather than silently dead entries.
//
// [Snapshot] is an immutable parsed allowlist. [Store] holds the
// current snapshot behind an atomic pointer so that every policy
// decision sees a complete, consistent set: a reload either swaps in a
// fully parsed new snapshot or leaves the old one untouched.
package allowlist

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Snapshot is an immutable set of allowed hostnames. All lookups on a
// single Snapshot observe the same set; the Store swaps whole
// snapshots, never mutates one.
type Snapshot struct {
	entries map[string]struct{}
	digest  string
}

// Contains reports whether host is present in the snapshot. Matching
// is byte-for-byte on the case-folded hostname — no substring, suffix,
// or wildcard matching. A trailing dot (DNS root) is stripped before
// comparison.
func (s *Snapshot) Contains(host string) bool {
	_, ok := s.entries[canonicalHost(host)]
	return ok
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Entries returns the hostnames in sorted order.
func (s *Snapshot) Entries() []string {
	entries := make([]string, 0, len(s.entries))
	for entry := range s.entries {
		entries = append(entries, entry)
	}
	sort.Strings(entries)
	return entries
}

// Digest returns the hex BLAKE3 digest of the canonical entry list.
// The health endpoint reports this so operators can confirm which
// allowlist a running gateway is enforcing without the gateway
// revealing the entries themselves.
func (s *Snapshot) Digest() string {
	return s.digest
}

// canonicalHost folds a hostname for comparison: lowercase, trailing
// dot stripped.
func canonicalHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// Parse reads a line-oriented allowlist. Returns an error naming the
// offending line for any entry that is not a plain hostname.
func Parse(reader io.Reader) (*Snapshot, error) {
	entries := make(map[string]struct{})

	scanner := bufio.NewScanner(reader)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Allow trailing comments after the hostname.
		if index := strings.Index(line, "#"); index >= 0 {
			line = strings.TrimSpace(line[:index])
		}

		entry := canonicalHost(line)
		if err := validateEntry(entry); err != nil {
			return nil, fmt.Errorf("line %d: %q: %w", lineNumber, line, err)
		}
		entries[entry] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading allowlist: %w", err)
	}

	return &Snapshot{
		entries: entries,
		digest:  digestEntries(entries),
	}, nil
}

// Load parses the allowlist file at path.
func Load(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening allowlist: %w", err)
	}
	defer file.Close()

	snapshot, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return snapshot, nil
}

// validateEntry rejects anything that is not an exact hostname. The
// policy engine denies IP-literal targets before consulting the
// allowlist, so an IP entry could never match; treating it as a parse
// error surfaces the misconfiguration instead of silently ignoring it.
func validateEntry(entry string) error {
	if entry == "" {
		return fmt.Errorf("empty hostname")
	}
	if strings.ContainsAny(entry, "*?") {
		return fmt.Errorf("wildcards are not supported; list each hostname exactly")
	}
	if strings.Contains(entry, "/") || strings.Contains(entry, "://") {
		return fmt.Errorf("entry must be a bare hostname, not a URL")
	}
	if strings.Contains(entry, ":") {
		return fmt.Errorf("entry must not include a port")
	}
	if _, err := netip.ParseAddr(entry); err == nil {
		return fmt.Errorf("IP literals are never allowed; direct-IP connects are always denied")
	}
	for _, label := range strings.Split(entry, ".") {
		if label == "" {
			return fmt.Errorf("empty DNS label")
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("DNS label %q has a leading or trailing hyphen", label)
		}
		for _, r := range label {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
				return fmt.Errorf("invalid character %q", r)
			}
		}
	}
	return nil
}

// digestEntries hashes the sorted entry list with BLAKE3.
func digestEntries(entries map[string]struct{}) string {
	sorted := make([]string, 0, len(entries))
	for entry := range entries {
		sorted = append(sorted, entry)
	}
	sort.Strings(sorted)

	hasher := blake3.New()
	for _, entry := range sorted {
		hasher.Write([]byte(entry))
		hasher.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", hasher.Sum(nil))
}
