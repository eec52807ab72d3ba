// Copyright 2026 The Swarmpull Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Everything in swarmpull that watches the clock — the transfer
// session's stall monitor, the overall transfer deadline, and seed
// task expiry — accepts a Clock instead of calling the time package
// directly. Production code injects Real(); tests inject Fake() and
// drive time with Advance, which makes stall detection and seed
// expiry tests deterministic instead of sleep-based.
package clock

import "time"

// Clock abstracts the subset of the time package that swarmpull uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after duration d and returns a
	// Timer whose Stop cancels the pending call. The Timer's C field
	// is nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. The channel has capacity 1;
// ticks are dropped, not queued, when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset restarts the ticker with a new interval.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a single scheduled event. For AfterFunc timers C is nil.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. Returns false if it already fired or was
// already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the timer to fire after d. Returns true if the
// timer was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop, reset: timer.Reset}
}

func (systemClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}
