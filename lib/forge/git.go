// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"strings"
)

// Ref is a git reference as returned by the backend.
type Ref struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA  string `json:"sha"`
		Type string `json:"type"`
	} `json:"object"`
}

// UpdateRef points a ref at an already-uploaded commit. The ref is the
// full name ("refs/heads/feature-x"); the backend API takes it without
// the "refs/" prefix.
//
// The force flag is hard-wired to false at the wire level. The policy
// engine denies force pushes before this call is ever reached; not
// having a force parameter here means a handler bug cannot reintroduce
// them.
func (client *Client) UpdateRef(ctx context.Context, ref, sha string) (*Ref, error) {
	shortRef := strings.TrimPrefix(ref, "refs/")

	request := struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}{SHA: sha, Force: false}

	var result Ref
	path := client.repoPath("/git/refs/%s", shortRef)
	if err := client.patch(ctx, path, request, &result); err != nil {
		return nil, fmt.Errorf("updating ref %s: %w", ref, err)
	}
	return &result, nil
}
