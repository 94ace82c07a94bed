// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a deterministic Clock pinned to initial. Time moves only
// when Advance is called; timers registered through After and AfterFunc
// fire, in deadline order, as the clock passes their deadlines.
//
// FakeClock is safe for concurrent use. AfterFunc callbacks run
// synchronously inside Advance; do not call Advance from a callback.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

// FakeClock is the deterministic Clock returned by Fake.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc timers
	fn       func()         // nil for After timers
	done     bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot timer and returns its channel.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &fakeTimer{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc registers a one-shot callback timer.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stop: func() bool { return false }}
	}
	timer := &fakeTimer{deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, timer)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if timer.done {
			return false
		}
		timer.done = true
		return true
	}}
}

// Advance moves the fake time forward by d, firing every timer whose
// deadline falls within the advanced interval, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		timer := c.nextDueLocked(target)
		if timer == nil {
			break
		}
		timer.done = true
		c.now = timer.deadline
		if timer.ch != nil {
			timer.ch <- c.now
			continue
		}
		// Callbacks run without the lock so they can register new
		// timers (the accumulator re-arms itself from its flush).
		fn := timer.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}

	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

// nextDueLocked returns the earliest live timer with deadline <= target,
// or nil when none remain.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, timer := range c.pending {
		if timer.done || timer.deadline.After(target) {
			continue
		}
		if next == nil || timer.deadline.Before(next.deadline) {
			next = timer
		}
	}
	return next
}

// compactLocked drops fired and stopped timers.
func (c *FakeClock) compactLocked() {
	live := c.pending[:0]
	for _, timer := range c.pending {
		if !timer.done {
			live = append(live, timer)
		}
	}
	c.pending = live
}

// PendingTimers reports how many timers are armed. Tests use this to
// assert that a component disarmed (or re-armed) its timer.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, timer := range c.pending {
		if !timer.done {
			count++
		}
	}
	return count
}
