// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
)

// PullRequest is the subset of the backend's pull request object the
// gateway needs.
type PullRequest struct {
	Number  int    `json:"number"`
	State   string `json:"state"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
}

// Comment is a created pull request comment.
type Comment struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
}

// User is the authenticated backend account.
type User struct {
	Login string `json:"login"`
}

// CreatePull opens a pull request from head into base.
func (client *Client) CreatePull(ctx context.Context, base, head, title, body string) (*PullRequest, error) {
	request := struct {
		Title string `json:"title"`
		Head  string `json:"head"`
		Base  string `json:"base"`
		Body  string `json:"body"`
	}{Title: title, Head: head, Base: base, Body: body}

	var result PullRequest
	if err := client.post(ctx, client.repoPath("/pulls"), request, &result); err != nil {
		return nil, fmt.Errorf("creating pull request %s -> %s: %w", head, base, err)
	}
	return &result, nil
}

// GetPull fetches a pull request by number. Used by the control API to
// determine ownership before a close.
func (client *Client) GetPull(ctx context.Context, number int) (*PullRequest, error) {
	var result PullRequest
	if err := client.get(ctx, client.repoPath("/pulls/%d", number), &result); err != nil {
		return nil, fmt.Errorf("fetching pull request %d: %w", number, err)
	}
	return &result, nil
}

// ClosePull closes a pull request without merging it.
func (client *Client) ClosePull(ctx context.Context, number int) error {
	request := struct {
		State string `json:"state"`
	}{State: "closed"}

	if err := client.patch(ctx, client.repoPath("/pulls/%d", number), request, nil); err != nil {
		return fmt.Errorf("closing pull request %d: %w", number, err)
	}
	return nil
}

// CreateComment adds a comment to a pull request. Pull request
// comments go through the issues endpoint on GitHub-shaped APIs.
func (client *Client) CreateComment(ctx context.Context, number int, body string) (*Comment, error) {
	request := struct {
		Body string `json:"body"`
	}{Body: body}

	var result Comment
	if err := client.post(ctx, client.repoPath("/issues/%d/comments", number), request, &result); err != nil {
		return nil, fmt.Errorf("commenting on pull request %d: %w", number, err)
	}
	return &result, nil
}

// CurrentUser returns the account the current credential authenticates
// as. The control API compares pull request authors against this login
// for close-ownership checks.
func (client *Client) CurrentUser(ctx context.Context) (*User, error) {
	var result User
	if err := client.get(ctx, "/user", &result); err != nil {
		return nil, fmt.Errorf("fetching authenticated user: %w", err)
	}
	return &result, nil
}
