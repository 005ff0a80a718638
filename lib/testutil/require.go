// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by wiremesh tests.
//
// The Require helpers are the only place tests wait on the wall clock.
// Everything else in a test drives time through clock.Fake; the
// timeouts here only keep a broken test from hanging the suite.
package testutil

import (
	"fmt"
	"os"
	"testing"
	"time"
)

// TB is the part of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from ch, failing the test if
// none arrives within timeout or ch is closed.
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", describe(msgAndArgs))
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("timed out after %v %s", timeout, describe(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if ch delivers a value within wait.
// Keep wait short: it always elapses in full on success.
func RequireNoReceive[T any](t TB, ch <-chan T, wait time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case value, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v while %s", value, describe(msgAndArgs))
		}
	case <-time.After(wait):
	}
}

// RequireClosed waits for ch to be closed or to deliver a value.
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, describe(msgAndArgs))
	}
}

// Eventually polls condition until it returns true or timeout passes.
func Eventually(t TB, timeout time.Duration, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %v: %s", timeout, describe(msgAndArgs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// SocketDir returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes. It is removed when the test
// ends.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "wm-")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(directory) })
	return directory
}

func describe(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return "waiting"
	case 1:
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
