// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff computes exponentially growing retry intervals with
// optional jitter, and runs retry loops on an injectable clock.
//
// The session engine uses it for credential retransmission and
// restart delays; the network signaling backends use [Retry] for
// reconnects.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/clock"
)

// Policy describes a backoff schedule. The n-th interval (counting
// from zero) is Initial * Multiplier^n capped at Max, then scaled by a
// random factor in [1-Jitter, 1+Jitter].
type Policy struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// DefaultPolicy starts at one second, doubles, caps at one minute,
// and jitters by ten percent. With a multiplier of two and jitter
// below one third, consecutive intervals are strictly increasing
// until the cap is reached.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
		Jitter:     0.1,
	}
}

// withDefaults fills zero fields from DefaultPolicy. Jitter is left
// alone: zero is a meaningful value.
func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = defaults.Initial
	}
	if p.Max <= 0 {
		p.Max = defaults.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff tracks the position in a Policy. Not safe for concurrent
// use; each retry loop owns its own Backoff.
type Backoff struct {
	policy   Policy
	current  time.Duration
	attempts int
	random   func() float64
}

// New returns a Backoff positioned at the first interval.
func New(policy Policy) *Backoff {
	policy = policy.withDefaults()
	return &Backoff{
		policy:  policy,
		current: policy.Initial,
		random:  rand.Float64,
	}
}

// Next returns the next interval and advances the schedule.
func (b *Backoff) Next() time.Duration {
	interval := b.current
	if b.policy.Jitter > 0 {
		scale := 1 + b.policy.Jitter*(2*b.random()-1)
		interval = time.Duration(float64(interval) * scale)
	}

	if float64(b.current) >= float64(b.policy.Max)/b.policy.Multiplier {
		b.current = b.policy.Max
	} else {
		b.current = time.Duration(float64(b.current) * b.policy.Multiplier)
	}
	b.attempts++
	return interval
}

// Attempts returns how many intervals Next has produced since the
// last Reset.
func (b *Backoff) Attempts() int { return b.attempts }

// Reset returns to the first interval.
func (b *Backoff) Reset() {
	b.current = b.policy.Initial
	b.attempts = 0
}

// Retry calls attempt until it returns nil or ctx is cancelled,
// sleeping on clk between failures. The error from the final attempt
// is returned together with the context error when ctx ends first.
// onError, if non-nil, observes each failure and the delay before the
// next attempt.
func Retry(ctx context.Context, clk clock.Clock, policy Policy, attempt func(context.Context) error, onError func(err error, delay time.Duration)) error {
	schedule := New(policy)
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := schedule.Next()
		if onError != nil {
			onError(err, delay)
		}
		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
