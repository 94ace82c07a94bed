// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Socket = (*MemorySocket)(nil)

// NewMemoryPair creates an in-process Socket and the scripted server
// side backing it. Requests invoke handlers registered on the server;
// Push delivers inbound events to the client synchronously. No
// goroutines, no network: tests control every interleaving.
func NewMemoryPair() (*MemorySocket, *MemoryServer) {
	server := &MemoryServer{
		ackHandlers: make(map[string]func(payload []byte) ([]byte, error)),
		connected:   true,
	}
	client := &MemorySocket{
		server:   server,
		handlers: make(map[string]Handler),
	}
	server.client = client
	return client, server
}

// MemorySocket is the client half of a NewMemoryPair.
type MemorySocket struct {
	server *MemoryServer

	mu            sync.Mutex
	handlers      map[string]Handler
	statusWatcher []func(Status)
}

// On registers a handler for events pushed by the server.
func (s *MemorySocket) On(event string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = handler
}

// OnStatus registers a connection-state observer.
func (s *MemorySocket) OnStatus(observer func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusWatcher = append(s.statusWatcher, observer)
}

// Request invokes the server's ack handler for event.
func (s *MemorySocket) Request(ctx context.Context, event string, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.server.handleRequest(event, payload)
}

// Send records a fire-and-forget event on the server.
func (s *MemorySocket) Send(ctx context.Context, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.server.recordEvent(event, payload)
}

// MemoryServer scripts the server side of a memory socket pair.
type MemoryServer struct {
	client *MemorySocket

	mu          sync.Mutex
	ackHandlers map[string]func(payload []byte) ([]byte, error)
	emitted     []EmittedEvent
	connected   bool
}

// EmittedEvent is one fire-and-forget event the client sent.
type EmittedEvent struct {
	Event   string
	Payload []byte
}

// Handle registers the ack handler for a request event. Replacing a
// handler mid-test is allowed (scripting different ack sequences).
func (s *MemoryServer) Handle(event string, handler func(payload []byte) ([]byte, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackHandlers[event] = handler
}

// Push delivers an inbound event to the client synchronously.
func (s *MemoryServer) Push(event string, payload []byte) {
	s.client.mu.Lock()
	handler := s.client.handlers[event]
	s.client.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

// Emitted returns the fire-and-forget events sent so far.
func (s *MemoryServer) Emitted() []EmittedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EmittedEvent(nil), s.emitted...)
}

// SetConnected flips the simulated connection state and notifies the
// client's status observers. While disconnected, Request and Send
// return ErrNotConnected.
func (s *MemoryServer) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()

	status := StatusConnected
	if !connected {
		status = StatusDisconnected
	}
	s.client.mu.Lock()
	observers := s.client.statusWatcher
	s.client.mu.Unlock()
	for _, observer := range observers {
		observer(status)
	}
}

func (s *MemoryServer) handleRequest(event string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	handler := s.ackHandlers[event]
	s.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("transport: no ack handler for event %q", event)
	}
	return handler(payload)
}

func (s *MemoryServer) recordEvent(event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.emitted = append(s.emitted, EmittedEvent{Event: event, Payload: append([]byte(nil), payload...)})
	return nil
}
