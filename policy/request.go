// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package policy

// Request is the closed set of operations the control API can carry to
// the forge backend. The unexported marker method seals the set: the
// four types below are the only implementations, and none of them is a
// merge. Merge is unrepresentable by construction, not blocked by a
// runtime check — there is no code path that could perform one even
// under a handler bug.
type Request interface {
	// Kind returns the operation kind recorded in audit entries:
	// "push", "pr_create", "pr_comment", or "pr_close".
	Kind() string

	isRequest()
}

// Push updates a branch ref to an already-uploaded commit.
type Push struct {
	// Ref is the full ref name, e.g. "refs/heads/feature-x".
	Ref string `json:"ref"`

	// CommitSHA is the commit the ref should point to.
	CommitSHA string `json:"commitSHA"`

	// Force requests a non-fast-forward update. Always denied by the
	// policy engine; the field exists so the denial is explicit and
	// audited rather than the request being unparseable.
	Force bool `json:"force"`
}

func (Push) Kind() string { return "push" }
func (Push) isRequest()   {}

// PRCreate opens a pull request.
type PRCreate struct {
	Base  string `json:"base"`
	Head  string `json:"head"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (PRCreate) Kind() string { return "pr_create" }
func (PRCreate) isRequest()   {}

// PRComment adds a comment to an existing pull request.
type PRComment struct {
	PRID int    `json:"prId"`
	Body string `json:"body"`
}

func (PRComment) Kind() string { return "pr_comment" }
func (PRComment) isRequest()   {}

// PRClose closes a pull request without merging it. Only pull requests
// opened by the gateway's own identity may be closed.
type PRClose struct {
	PRID int `json:"prId"`
}

func (PRClose) Kind() string { return "pr_close" }
func (PRClose) isRequest()   {}

// Compile-time enumeration of the full request set.
var (
	_ Request = Push{}
	_ Request = PRCreate{}
	_ Request = PRComment{}
	_ Request = PRClose{}
)
