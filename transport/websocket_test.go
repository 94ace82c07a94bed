// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/slopus/happy-sync/lib/testutil"
)

// echoServer acks every request with its own payload and pushes one
// "update" event after the first request.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := websocket.Accept(writer, request, nil)
		if err != nil {
			return
		}
		ctx := request.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			if f.Type != frameRequest {
				continue
			}
			ack, _ := json.Marshal(frame{Type: frameAck, ID: f.ID, Payload: f.Payload})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return
			}
			push, _ := json.Marshal(frame{Type: frameEvent, Event: "update", Payload: []byte(`{"id":"upd_1"}`)})
			if err := conn.Write(ctx, websocket.MessageText, push); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWebSocketRequestAndEventDispatch(t *testing.T) {
	server := echoServer(t)

	socket := NewWebSocket(WebSocketConfig{URL: server.URL, Token: "tok"})

	events := make(chan []byte, 1)
	socket.On("update", func(payload []byte) {
		events <- append([]byte(nil), payload...)
	})
	connected := make(chan struct{}, 4)
	socket.OnStatus(func(status Status) {
		if status == StatusConnected {
			connected <- struct{}{}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		socket.Run(ctx)
		close(done)
	}()

	testutil.RequireReceive(t, connected, 5*time.Second, "waiting for connection")

	ack, err := socket.Request(ctx, "message", []byte(`{"sid":"ses_1"}`))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(ack) != `{"sid":"ses_1"}` {
		t.Errorf("unexpected ack payload: %s", ack)
	}

	payload := testutil.RequireReceive(t, events, 5*time.Second, "waiting for pushed event")
	if string(payload) != `{"id":"upd_1"}` {
		t.Errorf("unexpected event payload: %s", payload)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "waiting for Run to exit")
}

func TestWebSocketRequestBeforeConnect(t *testing.T) {
	socket := NewWebSocket(WebSocketConfig{URL: "ws://127.0.0.1:0"})
	if _, err := socket.Request(context.Background(), "message", nil); err != ErrNotConnected {
		t.Errorf("Request before connect: got %v, want ErrNotConnected", err)
	}
	if err := socket.Send(context.Background(), "message", nil); err != ErrNotConnected {
		t.Errorf("Send before connect: got %v, want ErrNotConnected", err)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"event", `{"type": "event", "event": "update", "payload": {}}`, true},
		{"ack", `{"type": "ack", "id": "r1"}`, true},
		{"event without name", `{"type": "event"}`, false},
		{"ack without id", `{"type": "ack"}`, false},
		{"unknown type", `{"type": "hologram"}`, false},
		{"garbage", `]]]`, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := parseFrame([]byte(test.raw)); (got != nil) != test.ok {
				t.Errorf("parseFrame(%q) = %+v, want ok=%v", test.raw, got, test.ok)
			}
		})
	}
}
