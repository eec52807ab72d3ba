// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Nothing fires
// until Advance is called.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Timers and tickers
// registered against it fire only when Advance moves the clock past
// their deadline, in deadline order.
//
// AfterFunc callbacks run synchronously inside Advance. Calling
// Advance from within such a callback deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*pendingTimer
	registered *sync.Cond
}

// pendingTimer is one registered After, AfterFunc, or Ticker waiter.
type pendingTimer struct {
	deadline time.Time

	// ch receives the fire time for After and Ticker waiters; nil
	// for AfterFunc waiters.
	ch chan time.Time

	// fn runs synchronously during Advance for AfterFunc waiters;
	// nil otherwise.
	fn func()

	// interval is non-zero for tickers; the waiter is rescheduled
	// at deadline + interval after each fire.
	interval time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &pendingTimer{deadline: c.now.Add(d), ch: ch})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	waiter := &pendingTimer{deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, waiter)
	c.registered.Broadcast()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !waiter.stopped && !waiter.fired
			waiter.stopped = false
			waiter.fired = false
			waiter.deadline = c.now.Add(d)
			if !active {
				// The waiter was removed from pending after firing
				// or stopping; re-register it.
				c.pending = append(c.pending, waiter)
				c.registered.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a ticker that fires each time the clock advances
// past a multiple of d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	waiter := &pendingTimer{deadline: c.now.Add(d), ch: ch, interval: d}
	c.pending = append(c.pending, waiter)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.interval = d
			waiter.deadline = c.now.Add(d)
			waiter.stopped = false
		},
	}
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Ticker sends
// that would overflow the 1-slot channel are dropped, matching
// time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		for _, waiter := range due {
			if waiter.fn != nil {
				waiter.fn()
			} else if waiter.ch != nil {
				select {
				case waiter.ch <- target:
				default:
				}
			}
		}
	}
}

// takeDue removes waiters with deadlines at or before target from the
// pending list, rescheduling tickers, and returns them.
func (c *FakeClock) takeDue(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*pendingTimer
	for _, waiter := range c.pending {
		if waiter.stopped {
			continue
		}
		if waiter.deadline.After(target) {
			keep = append(keep, waiter)
		} else {
			due = append(due, waiter)
		}
	}

	for _, waiter := range due {
		if waiter.interval > 0 {
			waiter.deadline = waiter.deadline.Add(waiter.interval)
			keep = append(keep, waiter)
		} else {
			waiter.fired = true
		}
	}

	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n waiters are registered and
// not yet fired. Call this before Advance when the timer is
// registered by another goroutine, so the advance cannot race the
// registration.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of registered, unfired waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, waiter := range c.pending {
		if !waiter.stopped {
			count++
		}
	}
	return count
}
