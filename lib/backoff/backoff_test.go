// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/testutil"
)

func TestNextWithoutJitter(t *testing.T) {
	b := New(Policy{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2})
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Fatalf("interval %d = %v, want %v", i, got, expected)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts = %d, want %d", b.Attempts(), len(want))
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after Reset, interval = %v, want 1s", got)
	}
}

func TestDefaultPolicyStrictlyIncreasesBeforeCap(t *testing.T) {
	for trial := range 200 {
		b := New(DefaultPolicy())
		previous := time.Duration(0)
		// 1s, 2s, 4s, 8s, 16s, 32s stay below the one minute cap.
		for i := range 6 {
			interval := b.Next()
			if interval <= previous {
				t.Fatalf("trial %d: interval %d = %v not greater than %v", trial, i, interval, previous)
			}
			previous = interval
		}
	}
}

func TestJitterBounds(t *testing.T) {
	b := New(Policy{Initial: time.Second, Max: time.Second, Multiplier: 2, Jitter: 0.5})
	values := []float64{0, 0.5, 1}
	want := []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond}
	for i, value := range values {
		b.random = func() float64 { return value }
		if got := b.Next(); got != want[i] {
			t.Errorf("random %v: interval = %v, want %v", value, got, want[i])
		}
	}
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	b := New(Policy{})
	b.random = func() float64 { return 0.5 }
	if got := b.Next(); got != time.Second {
		t.Fatalf("first interval = %v, want 1s", got)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	calls := 0
	delays := make(chan time.Duration, 10)
	done := make(chan error, 1)

	go func() {
		done <- Retry(context.Background(), fake, Policy{Initial: time.Second, Multiplier: 2},
			func(context.Context) error {
				calls++
				if calls < 3 {
					return errors.New("not yet")
				}
				return nil
			},
			func(_ error, delay time.Duration) { delays <- delay })
	}()

	first := testutil.RequireReceive(t, delays, 5*time.Second, "first failure")
	fake.WaitForTimers(1)
	fake.Advance(first)
	second := testutil.RequireReceive(t, delays, 5*time.Second, "second failure")
	if second <= first {
		t.Errorf("second delay %v not greater than first %v", second, first)
	}
	fake.WaitForTimers(1)
	fake.Advance(second)

	if err := testutil.RequireReceive(t, done, 5*time.Second, "retry result"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, fake, DefaultPolicy(),
			func(context.Context) error { return errors.New("down") }, nil)
	}()
	fake.WaitForTimers(1)
	cancel()
	err := testutil.RequireReceive(t, done, 5*time.Second, "retry after cancel")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry error = %v, want context.Canceled", err)
	}
}
