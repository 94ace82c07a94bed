// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/slopus/happy-sync/lib/clock"
	"github.com/slopus/happy-sync/lib/netutil"
)

// ErrNotConnected is returned by Request and Send while the socket has
// no live connection. Callers classify it as a network failure; the
// reconnect loop is already working on it.
var ErrNotConnected = errors.New("transport: not connected")

// errConnectionLost fails pending requests when the connection drops
// before their ack arrives.
var errConnectionLost = errors.New("transport: connection lost before ack")

// WebSocketConfig configures the production socket.
type WebSocketConfig struct {
	// URL is the WebSocket endpoint (wss://...).
	URL string

	// Token is the bearer token sent on the dial request.
	Token string

	// MaxBackoff caps the reconnect backoff. Default 30 seconds.
	MaxBackoff time.Duration

	// ReadLimit caps inbound frame size in bytes. Default 16 MB
	// (artifact bodies travel on this socket).
	ReadLimit int64

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// WebSocket is a reconnecting Socket over a WebSocket connection with
// JSON frames. Create with NewWebSocket, register handlers, then call
// Run on its own goroutine; Run blocks until the context is cancelled,
// reconnecting with exponential backoff on every failure.
type WebSocket struct {
	config WebSocketConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan ackResult

	handlers        map[string]Handler
	statusObservers []func(Status)
	running         bool
}

type ackResult struct {
	payload []byte
	err     error
}

// NewWebSocket creates an unconnected socket. Call Run to connect.
func NewWebSocket(config WebSocketConfig) *WebSocket {
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.ReadLimit == 0 {
		config.ReadLimit = 16 * 1024 * 1024
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &WebSocket{
		config:   config,
		pending:  make(map[string]chan ackResult),
		handlers: make(map[string]Handler),
	}
}

// On registers a handler for inbound events. Panics after Run starts:
// late registration would race the read loop.
func (s *WebSocket) On(event string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		panic("transport: On called after Run")
	}
	s.handlers[event] = handler
}

// OnStatus registers a connection-state observer.
func (s *WebSocket) OnStatus(observer func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		panic("transport: OnStatus called after Run")
	}
	s.statusObservers = append(s.statusObservers, observer)
}

// Run connects and serves the socket until ctx is cancelled. On any
// connection failure it fails pending requests, notifies status
// observers, and reconnects with exponential backoff (1s doubling to
// MaxBackoff, reset on a successful connection).
func (s *WebSocket) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.notify(StatusConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.config.Logger.Error("socket dial failed, retrying", "error", err, "backoff", backoff)
			s.notify(StatusDisconnected)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.config.Clock.After(backoff):
			}
			backoff = min(backoff*2, s.config.MaxBackoff)
			continue
		}
		backoff = time.Second

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.notify(StatusConnected)

		err = s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		pending := s.pending
		s.pending = make(map[string]chan ackResult)
		s.mu.Unlock()
		for _, ch := range pending {
			ch <- ackResult{err: errConnectionLost}
		}
		conn.Close(websocket.StatusNormalClosure, "")
		s.notify(StatusDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if netutil.IsExpectedCloseError(err) {
			s.config.Logger.Info("socket closed, reconnecting")
		} else {
			s.config.Logger.Warn("socket connection lost, reconnecting", "error", err)
		}
	}
}

func (s *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	header := http.Header{}
	if s.config.Token != "" {
		header.Set("Authorization", "Bearer "+s.config.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, s.config.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", s.config.URL, err)
	}
	conn.SetReadLimit(s.config.ReadLimit)
	return conn, nil
}

// readLoop reads frames until the connection fails. Event handlers run
// synchronously here, which is what preserves per-connection ordering.
func (s *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

func (s *WebSocket) dispatch(data []byte) {
	f := parseFrame(data)
	if f == nil {
		s.config.Logger.Warn("dropping malformed socket frame", "bytes", len(data))
		return
	}
	switch f.Type {
	case frameEvent:
		s.mu.Lock()
		handler := s.handlers[f.Event]
		s.mu.Unlock()
		if handler != nil {
			handler(f.Payload)
		}
	case frameAck:
		s.mu.Lock()
		ch := s.pending[f.ID]
		delete(s.pending, f.ID)
		s.mu.Unlock()
		if ch != nil {
			ch <- ackResult{payload: f.Payload}
		}
	}
}

// Request sends a request frame and waits for its ack.
func (s *WebSocket) Request(ctx context.Context, event string, payload []byte) ([]byte, error) {
	id := uuid.NewString()
	ch := make(chan ackResult, 1)

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(ctx, frame{Type: frameRequest, ID: id, Event: event, Payload: payload}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case result := <-ch:
		return result.payload, result.err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Send emits a fire-and-forget event frame.
func (s *WebSocket) Send(ctx context.Context, event string, payload []byte) error {
	return s.write(ctx, frame{Type: frameEvent, Event: event, Payload: payload})
}

func (s *WebSocket) write(ctx context.Context, f frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encoding frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	return nil
}

func (s *WebSocket) notify(status Status) {
	s.mu.Lock()
	observers := s.statusObservers
	s.mu.Unlock()
	for _, observer := range observers {
		observer(status)
	}
}

var _ Socket = (*WebSocket)(nil)
