// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/policy"
)

func TestAppendWritesOneLine(t *testing.T) {
	var sink bytes.Buffer
	fake := clock.Fake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	logger := New(&sink, fake)

	err := logger.Append(Entry{
		SourceIdentity: "10.0.0.7:49152",
		OperationKind:  "push",
		Request:        policy.Push{Ref: "refs/heads/feature-x", CommitSHA: "abc123"},
		Decision:       policy.Decision{Allow: true, Reason: policy.ReasonOK},
		Outcome:        OutcomeSuccess,
		DurationMS:     42,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	line := sink.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("entry not newline-terminated")
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", line)
	}

	var decoded Entry
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("entry is not valid JSON: %v", err)
	}
	if decoded.OperationKind != "push" {
		t.Fatalf("operationKind: got %q", decoded.OperationKind)
	}
	if !decoded.Decision.Allow || decoded.Decision.Reason != policy.ReasonOK {
		t.Fatalf("decision: got %+v", decoded.Decision)
	}
	if decoded.GatewayVersion == "" {
		t.Fatal("gatewayVersion not stamped")
	}
	if decoded.RequestDigest == "" {
		t.Fatal("requestDigest not computed")
	}
	if !decoded.Timestamp.Equal(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp: got %v", decoded.Timestamp)
	}
}

func TestAppendDeniedEntry(t *testing.T) {
	var sink bytes.Buffer
	logger := New(&sink, nil)

	err := logger.Append(Entry{
		SourceIdentity: "10.0.0.7:49153",
		OperationKind:  "connect",
		Request:        "pypi.org:443",
		Decision:       policy.Deny(policy.ReasonNotAllowlisted),
		Outcome:        OutcomeDenied,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	var decoded Entry
	if err := json.Unmarshal(sink.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if decoded.Decision.Allow {
		t.Fatal("denied entry recorded as allowed")
	}
	if decoded.Decision.Reason != policy.ReasonNotAllowlisted {
		t.Fatalf("reason: got %q", decoded.Decision.Reason)
	}
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	var sink bytes.Buffer
	logger := New(&sink, nil)

	const writers = 50
	var waitGroup sync.WaitGroup
	waitGroup.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer waitGroup.Done()
			logger.Append(Entry{
				SourceIdentity: fmt.Sprintf("10.0.0.%d:50000", i),
				OperationKind:  "pr_comment",
				Request:        policy.PRComment{PRID: i, Body: strings.Repeat("x", 512)},
				Decision:       policy.Decision{Allow: true, Reason: policy.ReasonOK},
				Outcome:        OutcomeSuccess,
			})
		}(i)
	}
	waitGroup.Wait()

	scanner := bufio.NewScanner(&sink)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	lines := 0
	for scanner.Scan() {
		lines++
		var decoded Entry
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d is not valid JSON (interleaved write?): %v", lines, err)
		}
	}
	if lines != writers {
		t.Fatalf("lines: got %d, want %d", lines, writers)
	}
}

func TestAppendFailurePropagates(t *testing.T) {
	logger := New(failWriter{}, nil)
	err := logger.Append(Entry{OperationKind: "push", Outcome: OutcomeSuccess})
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) {
	return 0, fmt.Errorf("disk full")
}
