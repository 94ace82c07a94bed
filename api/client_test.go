// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slopus/happy-sync/engine"
	"github.com/slopus/happy-sync/store"
)

const testToken = "test-token"

// testClient starts an httptest server around handler and returns a
// Client pointed at it. The server is torn down with the test.
func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, testToken)
}

// authenticated wraps a mux, rejecting requests without the test bearer
// token so every test also covers header injection.
func authenticated(t *testing.T, next http.Handler) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer "+testToken {
			writer.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(writer).Encode(map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(writer, request)
	})
}

func writeJSON(t *testing.T, writer http.ResponseWriter, v any) {
	t.Helper()
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(t, writer, map[string]any{
			"sessions": []engine.SessionRecord{
				{ID: "s1", Seq: 41, Active: true, MetadataVersion: 3, Metadata: "blob-1", DataKey: "wrapped"},
				{ID: "s2", Seq: 7, MetadataVersion: 1, Metadata: "blob-2"},
			},
		})
	})

	client := testClient(t, authenticated(t, mux))
	sessions, err := client.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "s1" || sessions[0].Seq != 41 || !sessions[0].Active {
		t.Errorf("first session = %+v", sessions[0])
	}
	if sessions[0].DataKey != "wrapped" {
		t.Errorf("DataKey = %q, want wrapped", sessions[0].DataKey)
	}
	if sessions[1].Metadata != "blob-2" {
		t.Errorf("second metadata = %q, want blob-2", sessions[1].Metadata)
	}
}

func TestSettings(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/account/settings", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(t, writer, engine.SettingsRecord{Version: 9, Settings: "ciphertext"})
	})

	client := testClient(t, authenticated(t, mux))
	record, err := client.Settings(context.Background())
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if record.Version != 9 || record.Settings != "ciphertext" {
		t.Errorf("record = %+v", record)
	}
}

func TestFriends(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/friends", func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(t, writer, map[string]any{
			"friends": []store.Friend{{ID: "u1", Status: "friend"}, {ID: "u2", Status: "requested"}},
		})
	})

	client := testClient(t, authenticated(t, mux))
	friends, err := client.Friends(context.Background())
	if err != nil {
		t.Fatalf("Friends: %v", err)
	}
	if len(friends) != 2 || friends[1].Status != "requested" {
		t.Errorf("friends = %+v", friends)
	}
}

func TestUnauthorizedMapsToAuthError(t *testing.T) {
	t.Parallel()

	client := testClient(t, authenticated(t, http.NewServeMux()))
	client.token = "wrong"

	_, err := client.Sessions(context.Background())
	if err == nil {
		t.Fatal("expected error for rejected token")
	}
	var status *engine.StatusError
	if !errors.As(err, &status) {
		t.Fatalf("error %v is not a StatusError", err)
	}
	if status.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want 401", status.Code)
	}
	if status.Message != "invalid token" {
		t.Errorf("Message = %q, want invalid token", status.Message)
	}
	kind, retryable := engine.Classify(err)
	if kind != engine.KindAuth || retryable {
		t.Errorf("Classify = %v retryable=%v, want auth non-retryable", kind, retryable)
	}
}

func TestServerErrorKeepsBody(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/machines", func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
		writer.Write([]byte("upstream exploded"))
	})

	client := testClient(t, authenticated(t, mux))
	_, err := client.Machines(context.Background())
	var status *engine.StatusError
	if !errors.As(err, &status) {
		t.Fatalf("error %v is not a StatusError", err)
	}
	if status.Code != http.StatusInternalServerError || status.Message != "upstream exploded" {
		t.Errorf("status = %+v", status)
	}
	kind, retryable := engine.Classify(err)
	if kind != engine.KindServer || !retryable {
		t.Errorf("Classify = %v retryable=%v, want server retryable", kind, retryable)
	}
}
