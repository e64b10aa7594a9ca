// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to the given time. Time moves only
// through Advance or Sleep; Now is stable between them, which is what
// makes rendered artifact timestamps reproducible in tests.
//
// Unlike the real clock, Sleep does not block: it advances the fake
// time by d and returns. Polling loops written against Clock therefore
// run instantly under test while still observing monotonic time.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending After channel or Ticker registration.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for tickers; after firing, the waiter is
	// rescheduled at deadline + interval.
	interval time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep advances the fake time by d and returns immediately.
func (c *FakeClock) Sleep(d time.Duration) {
	if d > 0 {
		c.Advance(d)
	}
}

// Advance moves the fake time forward by d, firing any After channels
// and tickers whose deadlines are reached, in registration order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)

	kept := c.waiters[:0]
	for _, waiter := range c.waiters {
		c.fire(waiter)
		if !waiter.stopped && (waiter.interval > 0 || !waiter.fired) {
			kept = append(kept, waiter)
		}
	}
	c.waiters = kept
}

// fire delivers to a waiter whose deadline has passed. Tickers deliver
// once per elapsed interval but never block: a full channel drops the
// tick, matching time.Ticker.
func (c *FakeClock) fire(waiter *fakeWaiter) {
	for !waiter.stopped && !waiter.fired && !waiter.deadline.After(c.current) {
		select {
		case waiter.channel <- waiter.deadline:
		default:
		}
		if waiter.interval > 0 {
			waiter.deadline = waiter.deadline.Add(waiter.interval)
			continue
		}
		waiter.fired = true
	}
}

// After returns a channel that receives once the fake time passes the
// deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// NewTicker returns a Ticker that fires when Advance crosses each
// interval boundary.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	c.waiters = append(c.waiters, waiter)

	return &Ticker{
		C: waiter.channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}
