// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/slopus/happy-sync/engine"
)

// Share grants one user read access to a session.
type Share struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	CreatedAt int64  `json:"createdAt"`
}

// PublicShare is an anonymous read-only link to a session. At most one
// exists per session; creating again returns the existing one.
type PublicShare struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// AccessLogEntry records one read of a shared session.
type AccessLogEntry struct {
	UserID string `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`
	At     int64  `json:"at"`
}

// DeleteSession permanently removes a session and its history from the
// server. Irreversible; callers archive first.
func (client *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := client.delete(ctx, "/v1/sessions/"+url.PathEscape(sessionID)); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Shares lists the per-user shares of a session.
func (client *Client) Shares(ctx context.Context, sessionID string) ([]Share, error) {
	var result struct {
		Shares []Share `json:"shares"`
	}
	if err := client.getJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/shares", &result); err != nil {
		return nil, fmt.Errorf("shares of %s: %w", sessionID, err)
	}
	return result.Shares, nil
}

// AddShare shares a session with another user.
func (client *Client) AddShare(ctx context.Context, sessionID, userID string) (*Share, error) {
	request := struct {
		UserID string `json:"userId"`
	}{UserID: userID}
	var result Share
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/shares"
	if err := client.postJSON(ctx, path, request, &result); err != nil {
		return nil, fmt.Errorf("share %s with %s: %w", sessionID, userID, err)
	}
	return &result, nil
}

// RemoveShare revokes a previously granted share.
func (client *Client) RemoveShare(ctx context.Context, sessionID, shareID string) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/shares/" + url.PathEscape(shareID)
	if err := client.delete(ctx, path); err != nil {
		return fmt.Errorf("remove share %s from %s: %w", shareID, sessionID, err)
	}
	return nil
}

// CreatePublicShare creates (or returns the existing) public link for a
// session.
func (client *Client) CreatePublicShare(ctx context.Context, sessionID string) (*PublicShare, error) {
	var result PublicShare
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/public-share"
	if err := client.postJSON(ctx, path, struct{}{}, &result); err != nil {
		return nil, fmt.Errorf("create public share for %s: %w", sessionID, err)
	}
	return &result, nil
}

// PublicShareFor returns the session's public link, or nil when none
// exists.
func (client *Client) PublicShareFor(ctx context.Context, sessionID string) (*PublicShare, error) {
	var result PublicShare
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/public-share"
	err := client.getJSON(ctx, path, &result)
	if err != nil {
		var status *engine.StatusError
		if errors.As(err, &status) && status.Code == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("public share of %s: %w", sessionID, err)
	}
	return &result, nil
}

// RevokePublicShare deletes the session's public link. Revoking a
// session without one is not an error.
func (client *Client) RevokePublicShare(ctx context.Context, sessionID string) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/public-share"
	err := client.delete(ctx, path)
	if err != nil {
		var status *engine.StatusError
		if errors.As(err, &status) && status.Code == 404 {
			return nil
		}
		return fmt.Errorf("revoke public share of %s: %w", sessionID, err)
	}
	return nil
}

// ResolvePublicShare fetches the session behind a public link token.
// Anonymous: the bearer token is still sent but the server does not
// require the caller to be the owner.
func (client *Client) ResolvePublicShare(ctx context.Context, token string) (*engine.SessionRecord, error) {
	var result struct {
		Session engine.SessionRecord `json:"session"`
	}
	if err := client.getJSON(ctx, "/v1/public-share/"+url.PathEscape(token), &result); err != nil {
		return nil, fmt.Errorf("resolve public share: %w", err)
	}
	return &result.Session, nil
}

// AccessLog lists reads of a session through its shares, newest first.
func (client *Client) AccessLog(ctx context.Context, sessionID string) ([]AccessLogEntry, error) {
	var result struct {
		Entries []AccessLogEntry `json:"entries"`
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/access-log"
	if err := client.getJSON(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("access log of %s: %w", sessionID, err)
	}
	return result.Entries, nil
}

// BlockedUsers lists users barred from a session's shares.
func (client *Client) BlockedUsers(ctx context.Context, sessionID string) ([]string, error) {
	var result struct {
		Users []string `json:"users"`
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/blocked-users"
	if err := client.getJSON(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("blocked users of %s: %w", sessionID, err)
	}
	return result.Users, nil
}

// BlockUser bars a user from all of a session's shares, revoking any
// existing share for them server-side.
func (client *Client) BlockUser(ctx context.Context, sessionID, userID string) error {
	request := struct {
		UserID string `json:"userId"`
	}{UserID: userID}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/blocked-users"
	if err := client.postJSON(ctx, path, request, nil); err != nil {
		return fmt.Errorf("block %s on %s: %w", userID, sessionID, err)
	}
	return nil
}

// UnblockUser lifts a block.
func (client *Client) UnblockUser(ctx context.Context, sessionID, userID string) error {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/blocked-users/" + url.PathEscape(userID)
	if err := client.delete(ctx, path); err != nil {
		return fmt.Errorf("unblock %s on %s: %w", userID, sessionID, err)
	}
	return nil
}
