// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slopus/happy-sync/lib/clock"
	"github.com/slopus/happy-sync/lib/testutil"
)

func TestInvalidateCoalescing(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 32)
	refresh := func(ctx context.Context) error {
		started <- struct{}{}
		<-block
		return nil
	}
	s := NewInvalidateSync("test", refresh)

	s.Invalidate()
	testutil.RequireReceive(t, started, time.Second, "first run never started")

	// A burst of invalidations while the first run is in flight must
	// collapse into exactly one follow-up run.
	for i := 0; i < 20; i++ {
		s.Invalidate()
	}
	close(block)
	testutil.RequireReceive(t, started, time.Second, "coalesced follow-up run never started")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.AwaitQueue(ctx); err != nil {
		t.Fatalf("await queue: %v", err)
	}
	select {
	case <-started:
		t.Fatal("more than 2 runs for a coalesced burst")
	default:
	}
}

func TestInvalidateAndAwaitReturnsRunError(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	refresh := func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("backend down")
		}
		return nil
	}
	clk := clock.Fake(time.Unix(1000, 0))
	s := NewInvalidateSync("test", refresh, WithClock(clk))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.InvalidateAndAwait(ctx); err == nil || err.Error() != "backend down" {
		t.Fatalf("await must surface the run error, got %v", err)
	}

	fail.Store(false)
	if err := s.InvalidateAndAwait(ctx); err != nil {
		t.Fatalf("successful run: %v", err)
	}
	if s.Failures() != 0 {
		t.Fatalf("failure count not reset: %d", s.Failures())
	}
}

func TestRetryBackoffDoublesAndResets(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	statuses := make(chan *SyncError, 16)
	var fail atomic.Bool
	fail.Store(true)
	refresh := func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("flaky")
		}
		return nil
	}
	s := NewInvalidateSync("test", refresh,
		WithClock(clk),
		WithObserver(func(err *SyncError) { statuses <- err }),
		WithBackoff(time.Second, 8*time.Second))

	s.Invalidate()
	first := testutil.RequireReceive(t, statuses, time.Second, "first failure not observed")
	if first == nil || first.FailuresCount != 1 || !first.Retryable {
		t.Fatalf("unexpected first status: %+v", first)
	}
	if got := first.NextRetryAt.Sub(first.At); got != time.Second {
		t.Fatalf("first retry delay %v, want 1s", got)
	}

	// The armed timer drives the retry; the second failure doubles
	// the delay.
	clk.Advance(time.Second)
	second := testutil.RequireReceive(t, statuses, time.Second, "retry run not observed")
	if second.FailuresCount != 2 {
		t.Fatalf("failures count %d, want 2", second.FailuresCount)
	}
	if got := second.NextRetryAt.Sub(second.At); got != 2*time.Second {
		t.Fatalf("second retry delay %v, want 2s", got)
	}

	fail.Store(false)
	clk.Advance(2 * time.Second)
	recovered := testutil.RequireReceive(t, statuses, time.Second, "recovery not observed")
	if recovered != nil {
		t.Fatalf("recovery must report nil status, got %+v", recovered)
	}
	if s.Failures() != 0 {
		t.Fatalf("failure count survived recovery: %d", s.Failures())
	}
}

func TestAuthFailureStopsRetrying(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	statuses := make(chan *SyncError, 16)
	var runs atomic.Int32
	refresh := func(ctx context.Context) error {
		runs.Add(1)
		return &StatusError{Code: http.StatusUnauthorized}
	}
	s := NewInvalidateSync("test", refresh,
		WithClock(clk),
		WithObserver(func(err *SyncError) { statuses <- err }))

	s.Invalidate()
	status := testutil.RequireReceive(t, statuses, time.Second, "failure not observed")
	if status.Kind != KindAuth || status.Retryable {
		t.Fatalf("unexpected classification: %+v", status)
	}
	if clk.PendingTimers() != 0 {
		t.Fatal("auth failure must not arm a retry timer")
	}

	clk.Advance(time.Hour)
	if got := runs.Load(); got != 1 {
		t.Fatalf("auth failure retried anyway: %d runs", got)
	}

	// An external invalidation starts fresh.
	s.Invalidate()
	testutil.RequireReceive(t, statuses, time.Second, "explicit re-invalidation did not run")
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected 2 runs after explicit invalidation, got %d", got)
	}
}

func TestAwaitQueueIdleImmediately(t *testing.T) {
	s := NewInvalidateSync("test", func(ctx context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.AwaitQueue(ctx); err != nil {
		t.Fatalf("idle scheduler must not block: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"unauthorized", &StatusError{Code: 401}, KindAuth, false},
		{"forbidden", &StatusError{Code: 403}, KindAuth, false},
		{"server fault", &StatusError{Code: 502}, KindServer, true},
		{"client fault", &StatusError{Code: 404}, KindUnknown, true},
		{"config", &ConfigError{Message: "no credentials"}, KindConfig, false},
		{"deadline", context.DeadlineExceeded, KindNetwork, true},
		{"plain", errors.New("boom"), KindUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, retryable := Classify(tt.err)
			if kind != tt.kind || retryable != tt.retryable {
				t.Fatalf("got (%s, %v), want (%s, %v)", kind, retryable, tt.kind, tt.retryable)
			}
		})
	}
}
