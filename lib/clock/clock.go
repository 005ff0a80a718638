// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that retransmission backoff,
// keepalive scheduling, and restart delays can be driven
// deterministically in tests.
//
// Components hold a Clock field. Binaries inject [Real]; tests inject
// [Fake] and move time forward with [FakeClock.Advance].
package clock

import "time"

// Clock is the subset of the time package used by wiremesh.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer has a
	// nil C field.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Ticks are dropped when the
// receiver falls behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the period and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a pending one-shot event created by AfterFunc.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the timer to fire after d. It reports whether the
// timer was pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
