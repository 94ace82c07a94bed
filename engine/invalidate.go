// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slopus/happy-sync/lib/clock"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// InvalidateSync wraps an idempotent refresh function and coalesces
// invalidation requests: at most one refresh runs at a time, and any
// number of invalidations arriving while one runs collapse into
// exactly one follow-up run.
//
// Failed runs retry automatically with exponential backoff unless the
// failure classifies as non-retryable (auth, config), in which case
// the scheduler stays quiet until the next external invalidation.
type InvalidateSync struct {
	name     string
	refresh  func(context.Context) error
	clk      clock.Clock
	logger   *slog.Logger
	observer func(*SyncError)

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu          sync.Mutex
	running     bool
	pending     bool
	failures    int
	backoff     time.Duration
	retryTimer  *clock.Timer
	runWaiters  []chan error
	nextWaiters []chan error
	idleWaiters []chan struct{}
}

// SyncOption adjusts an InvalidateSync.
type SyncOption func(*InvalidateSync)

// WithClock substitutes the timer source.
func WithClock(clk clock.Clock) SyncOption {
	return func(s *InvalidateSync) { s.clk = clk }
}

// WithLogger substitutes the logger.
func WithLogger(logger *slog.Logger) SyncOption {
	return func(s *InvalidateSync) { s.logger = logger }
}

// WithObserver registers a status observer. It receives a SyncError
// after each failed run and nil after each successful one.
func WithObserver(observer func(*SyncError)) SyncOption {
	return func(s *InvalidateSync) { s.observer = observer }
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(initial, max time.Duration) SyncOption {
	return func(s *InvalidateSync) {
		s.initialBackoff = initial
		s.maxBackoff = max
	}
}

// NewInvalidateSync builds a scheduler around refresh. The refresh
// function must be idempotent: the scheduler may run it more or fewer
// times than Invalidate was called, only guaranteeing that at least
// one run starts after the last invalidation.
func NewInvalidateSync(name string, refresh func(context.Context) error, opts ...SyncOption) *InvalidateSync {
	s := &InvalidateSync{
		name:           name,
		refresh:        refresh,
		clk:            clock.Real(),
		logger:         slog.Default(),
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backoff = s.initialBackoff
	return s
}

// Invalidate requests a refresh and returns immediately. If a run is
// in flight the request coalesces into a single follow-up run.
func (s *InvalidateSync) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRetryLocked()
	if s.running {
		s.pending = true
		return
	}
	s.startRunLocked()
}

// InvalidateAndAwait requests a refresh and blocks until a run that
// started at or after this call completes, returning that run's error.
func (s *InvalidateSync) InvalidateAndAwait(ctx context.Context) error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.cancelRetryLocked()
	s.nextWaiters = append(s.nextWaiters, ch)
	if s.running {
		s.pending = true
	} else {
		s.startRunLocked()
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// AwaitQueue blocks until no run is in flight and none is pending. A
// scheduled backoff retry does not count as pending.
func (s *InvalidateSync) AwaitQueue(ctx context.Context) error {
	s.mu.Lock()
	if !s.running && !s.pending {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Failures reports the consecutive-failure count, zeroed on success.
func (s *InvalidateSync) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *InvalidateSync) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// startRunLocked moves the queued waiters onto the new run and spawns
// it. Callers hold s.mu.
func (s *InvalidateSync) startRunLocked() {
	s.running = true
	s.runWaiters = s.nextWaiters
	s.nextWaiters = nil
	go s.run()
}

func (s *InvalidateSync) run() {
	err := s.refresh(context.Background())

	s.mu.Lock()
	s.running = false
	waiters := s.runWaiters
	s.runWaiters = nil

	var syncErr *SyncError
	if err == nil {
		s.failures = 0
		s.backoff = s.initialBackoff
	} else {
		kind, retryable := Classify(err)
		s.failures++
		syncErr = &SyncError{
			Message:       err.Error(),
			Retryable:     retryable,
			Kind:          kind,
			At:            s.clk.Now(),
			FailuresCount: s.failures,
		}
		if retryable && !s.pending {
			delay := s.backoff
			s.backoff = min(s.backoff*2, s.maxBackoff)
			syncErr.NextRetryAt = syncErr.At.Add(delay)
			s.retryTimer = s.clk.AfterFunc(delay, s.retryFire)
		}
	}

	if s.pending {
		s.pending = false
		s.startRunLocked()
	}
	var idle []chan struct{}
	if !s.running && !s.pending {
		idle = s.idleWaiters
		s.idleWaiters = nil
	}
	observer := s.observer
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("refresh failed",
			"collection", s.name,
			"kind", syncErr.Kind,
			"failures", syncErr.FailuresCount,
			"error", err)
	}
	for _, ch := range waiters {
		ch <- err
	}
	for _, ch := range idle {
		close(ch)
	}
	if observer != nil {
		observer(syncErr)
	}
}

func (s *InvalidateSync) retryFire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryTimer = nil
	if s.running {
		s.pending = true
		return
	}
	s.startRunLocked()
}
