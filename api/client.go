// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Package api provides a typed HTTP client for the Happy server's /v1
// REST endpoints. The sync engine pulls collection snapshots through it
// (it implements engine.Fetcher); session deletion and sharing management
// live here too, outside the sync core.
//
// Everything the client receives is ciphertext envelopes plus plaintext
// routing fields. Decryption is the engine's job; this package never
// touches key material.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slopus/happy-sync/engine"
	"github.com/slopus/happy-sync/lib/netutil"
	"github.com/slopus/happy-sync/store"
)

// Client is a typed HTTP client for the Happy server REST API. Every
// request carries the account's bearer token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a Client for the given server base URL (scheme and host,
// no trailing slash) authenticated with token.
func New(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// Sessions returns all sessions visible to the account.
func (client *Client) Sessions(ctx context.Context) ([]engine.SessionRecord, error) {
	var result struct {
		Sessions []engine.SessionRecord `json:"sessions"`
	}
	if err := client.getJSON(ctx, "/v1/sessions", &result); err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	return result.Sessions, nil
}

// Machines returns all machines registered to the account.
func (client *Client) Machines(ctx context.Context) ([]engine.MachineRecord, error) {
	var result struct {
		Machines []engine.MachineRecord `json:"machines"`
	}
	if err := client.getJSON(ctx, "/v1/machines", &result); err != nil {
		return nil, fmt.Errorf("machines: %w", err)
	}
	return result.Machines, nil
}

// Artifacts returns all artifact headers. Bodies are fetched lazily over
// the socket, not here.
func (client *Client) Artifacts(ctx context.Context) ([]engine.ArtifactRecord, error) {
	var result struct {
		Artifacts []engine.ArtifactRecord `json:"artifacts"`
	}
	if err := client.getJSON(ctx, "/v1/artifacts", &result); err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	return result.Artifacts, nil
}

// Settings returns the account settings ciphertext and its version.
func (client *Client) Settings(ctx context.Context) (engine.SettingsRecord, error) {
	var result engine.SettingsRecord
	if err := client.getJSON(ctx, "/v1/account/settings", &result); err != nil {
		return engine.SettingsRecord{}, fmt.Errorf("settings: %w", err)
	}
	return result, nil
}

// Profile returns the account's public profile.
func (client *Client) Profile(ctx context.Context) (store.Profile, error) {
	var result struct {
		Profile store.Profile `json:"profile"`
	}
	if err := client.getJSON(ctx, "/v1/account/profile", &result); err != nil {
		return store.Profile{}, fmt.Errorf("profile: %w", err)
	}
	return result.Profile, nil
}

// Purchases returns the account's active entitlement identifiers.
func (client *Client) Purchases(ctx context.Context) ([]string, error) {
	var result struct {
		Purchases []string `json:"purchases"`
	}
	if err := client.getJSON(ctx, "/v1/purchases", &result); err != nil {
		return nil, fmt.Errorf("purchases: %w", err)
	}
	return result.Purchases, nil
}

// Friends returns the account's relationship edges.
func (client *Client) Friends(ctx context.Context) ([]store.Friend, error) {
	var result struct {
		Friends []store.Friend `json:"friends"`
	}
	if err := client.getJSON(ctx, "/v1/friends", &result); err != nil {
		return nil, fmt.Errorf("friends: %w", err)
	}
	return result.Friends, nil
}

// Feed returns the account's social feed, newest first.
func (client *Client) Feed(ctx context.Context) ([]store.FeedItem, error) {
	var result struct {
		Items []store.FeedItem `json:"items"`
	}
	if err := client.getJSON(ctx, "/v1/feed", &result); err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	return result.Items, nil
}

// Todos returns the account's todo entries.
func (client *Client) Todos(ctx context.Context) ([]store.Todo, error) {
	var result struct {
		Todos []store.Todo `json:"todos"`
	}
	if err := client.getJSON(ctx, "/v1/todos", &result); err != nil {
		return nil, fmt.Errorf("todos: %w", err)
	}
	return result.Todos, nil
}

// getJSON performs a GET and decodes a 200 response into v.
func (client *Client) getJSON(ctx context.Context, path string, v any) error {
	response, err := client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return statusError(response)
	}
	return netutil.DecodeResponse(response.Body, v)
}

// postJSON performs a POST with a JSON body. A nil out discards the
// response body; otherwise a 200 response is decoded into out.
func (client *Client) postJSON(ctx context.Context, path string, body, out any) error {
	response, err := client.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return statusError(response)
	}
	if out == nil {
		return nil
	}
	return netutil.DecodeResponse(response.Body, out)
}

// delete performs a DELETE and accepts 200 or 204.
func (client *Client) delete(ctx context.Context, path string) error {
	response, err := client.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusNoContent {
		return statusError(response)
	}
	return nil
}

func (client *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+client.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return client.httpClient.Do(request)
}

// statusError converts a non-2xx response into an engine.StatusError so
// the sync layer can classify it (401/403 stop retrying, 5xx back off).
// The server reports failures as {"error": "..."}; anything else is kept
// verbatim for the message.
func statusError(response *http.Response) error {
	raw := netutil.ErrorBody(response.Body)
	message := raw
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err == nil && envelope.Error != "" {
		message = envelope.Error
	}
	return &engine.StatusError{Code: response.StatusCode, Message: message}
}

var _ engine.Fetcher = (*Client)(nil)
