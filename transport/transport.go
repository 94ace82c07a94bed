// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the socket the sync engine speaks over:
// ordered delivery of named events plus a request/acknowledgement
// primitive.
//
// The engine depends only on the [Socket] interface. Production code
// uses [WebSocket], a reconnecting WebSocket client with JSON frames.
// Tests use [NewMemoryPair], an in-process loopback that exchanges the
// same frames through channels.
//
// Ordering: events delivered by one Socket arrive in the order the
// server sent them. Handlers for a connection run sequentially; a slow
// handler delays subsequent events rather than reordering them.
package transport

import "context"

// Status describes the connection state visible to the engine.
type Status string

// Connection states.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Handler processes one inbound named event. The payload slice is only
// valid for the duration of the call.
type Handler func(payload []byte)

// Socket is ordered named-event delivery with a request/ack primitive.
type Socket interface {
	// Request sends a named event and waits for the server's
	// acknowledgement payload. Returns a transport error if the
	// connection drops before the ack arrives or ctx is done.
	Request(ctx context.Context, event string, payload []byte) ([]byte, error)

	// Send emits a named event without waiting for acknowledgement.
	Send(ctx context.Context, event string, payload []byte) error

	// On registers a handler for inbound events with the given name.
	// Registration must happen before the socket connects; there is no
	// unsubscribe.
	On(event string, handler Handler)

	// OnStatus registers a connection-state observer. Observers run
	// sequentially on the socket's handler goroutine.
	OnStatus(observer func(Status))
}
