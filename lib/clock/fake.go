// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// It is safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance or Sleep on the same clock.
type FakeClock struct {
	mu       sync.Mutex
	now      time.Time
	sequence uint64
	pending  []*fakeTimer
	changed  *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	sequence uint64
	period   time.Duration
	channel  chan time.Time
	callback func()
	active   bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.scheduleLocked(&fakeTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers f to run when the clock passes now+d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}
	c.mu.Lock()
	timer := &fakeTimer{deadline: c.now.Add(d), callback: f}
	c.scheduleLocked(timer)
	c.mu.Unlock()
	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.cancelLocked(timer)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := c.cancelLocked(timer)
			timer.deadline = c.now.Add(d)
			c.scheduleLocked(timer)
			return wasActive
		},
	}
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker with non-positive period")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	timer := &fakeTimer{deadline: c.now.Add(d), period: d, channel: channel}
	c.scheduleLocked(timer)
	c.mu.Unlock()
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.cancelLocked(timer)
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.cancelLocked(timer)
			timer.period = d
			timer.deadline = c.now.Add(d)
			c.scheduleLocked(timer)
		},
	}
}

// Sleep blocks until the clock has been advanced by at least d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d > 0 {
		<-c.After(d)
	}
}

// Advance moves time forward by d and fires every timer whose
// deadline is reached, earliest first. Tickers spanning several
// periods fire once per period; ticks that do not fit the channel
// buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.mu.Unlock()
			return
		}
		if next.period > 0 {
			next.deadline = next.deadline.Add(next.period)
		} else {
			c.cancelLocked(next)
		}
		c.mu.Unlock()

		if next.callback != nil {
			next.callback()
			continue
		}
		select {
		case next.channel <- target:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers are pending. Tests use
// it to make sure a goroutine has armed its timer before advancing.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of armed timers, tickers and sleeps.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) scheduleLocked(timer *fakeTimer) {
	c.sequence++
	timer.sequence = c.sequence
	timer.active = true
	c.pending = append(c.pending, timer)
	c.changed.Broadcast()
}

func (c *FakeClock) cancelLocked(timer *fakeTimer) bool {
	if !timer.active {
		return false
	}
	timer.active = false
	for i, candidate := range c.pending {
		if candidate == timer {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	return true
}

// nextDueLocked returns the pending timer with the earliest deadline
// not after target, breaking ties by registration order.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, timer := range c.pending {
		if timer.deadline.After(target) {
			continue
		}
		if best == nil || timer.deadline.Before(best.deadline) ||
			(timer.deadline.Equal(best.deadline) && timer.sequence < best.sequence) {
			best = timer
		}
	}
	return best
}
