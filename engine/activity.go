// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"time"

	"github.com/slopus/happy-sync/lib/clock"
	"github.com/slopus/happy-sync/store"
)

const defaultActivityFlushInterval = 2000 * time.Millisecond

// ActivityAccumulator batches high-frequency ephemeral activity pings.
// Within one flush window the latest ping per entity wins; on flush the
// whole batch is handed to the callback atomically and the window
// disarms until the next ping arrives.
type ActivityAccumulator struct {
	interval time.Duration
	clk      clock.Clock
	flush    func(map[string]store.Activity)

	mu      sync.Mutex
	updates map[string]store.Activity
	timer   *clock.Timer
}

// NewActivityAccumulator builds an accumulator flushing through the
// callback. A non-positive interval selects the default window.
func NewActivityAccumulator(interval time.Duration, clk clock.Clock, flush func(map[string]store.Activity)) *ActivityAccumulator {
	if interval <= 0 {
		interval = defaultActivityFlushInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ActivityAccumulator{
		interval: interval,
		clk:      clk,
		flush:    flush,
		updates:  make(map[string]store.Activity),
	}
}

// Add records a ping for an entity, overwriting any earlier ping for
// the same entity still waiting in the window, and arms the flush
// timer if it is not already armed.
func (a *ActivityAccumulator) Add(entityID string, activity store.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates[entityID] = activity
	if a.timer == nil {
		a.timer = a.clk.AfterFunc(a.interval, a.fire)
	}
}

func (a *ActivityAccumulator) fire() {
	a.mu.Lock()
	batch := a.updates
	a.updates = make(map[string]store.Activity)
	a.timer = nil
	a.mu.Unlock()

	// Snapshot-and-clear happened under the lock, so a ping racing
	// this flush lands in the next window rather than vanishing.
	if len(batch) > 0 {
		a.flush(batch)
	}
}

// Flush drains the window immediately, for shutdown paths.
func (a *ActivityAccumulator) Flush() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	a.fire()
}
