// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/bureau-foundation/wiremesh/lib/backoff"
)

// Config holds the timing knobs of a session.
type Config struct {
	// KeepaliveInterval is the period of checks on the active path.
	KeepaliveInterval time.Duration

	// MaxMissedKeepalives consecutive failed keepalives fail the path.
	MaxMissedKeepalives int

	// CheckTimeout bounds one connectivity check, retransmissions
	// included.
	CheckTimeout time.Duration

	// FailedTimeout is how long a negotiation may go without a
	// successful pair. It restarts whenever new pairs are formed.
	FailedTimeout time.Duration

	// CompletionGrace is how long a better pair may still replace the
	// first active path before the session settles.
	CompletionGrace time.Duration

	// MaxConcurrentChecks bounds the checks in flight per session.
	MaxConcurrentChecks int

	// BindTimeout bounds splicing a path into the tunnel.
	BindTimeout time.Duration

	// MaxBufferedMessages bounds candidates held for a remote
	// generation whose credentials have not arrived yet.
	MaxBufferedMessages int

	CredentialBackoff backoff.Policy
	RestartBackoff    backoff.Policy
}

// DefaultConfig returns the timings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		KeepaliveInterval:   10 * time.Second,
		MaxMissedKeepalives: 3,
		CheckTimeout:        5 * time.Second,
		FailedTimeout:       25 * time.Second,
		CompletionGrace:     5 * time.Second,
		MaxConcurrentChecks: 4,
		BindTimeout:         10 * time.Second,
		MaxBufferedMessages: 64,
		CredentialBackoff:   backoff.DefaultPolicy(),
		RestartBackoff: backoff.Policy{
			Initial:    2 * time.Second,
			Max:        2 * time.Minute,
			Multiplier: 2,
			Jitter:     0.2,
		},
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaults.KeepaliveInterval
	}
	if c.MaxMissedKeepalives <= 0 {
		c.MaxMissedKeepalives = defaults.MaxMissedKeepalives
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = defaults.CheckTimeout
	}
	if c.FailedTimeout <= 0 {
		c.FailedTimeout = defaults.FailedTimeout
	}
	if c.CompletionGrace <= 0 {
		c.CompletionGrace = defaults.CompletionGrace
	}
	if c.MaxConcurrentChecks <= 0 {
		c.MaxConcurrentChecks = defaults.MaxConcurrentChecks
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = defaults.BindTimeout
	}
	if c.MaxBufferedMessages <= 0 {
		c.MaxBufferedMessages = defaults.MaxBufferedMessages
	}
	if c.CredentialBackoff == (backoff.Policy{}) {
		c.CredentialBackoff = defaults.CredentialBackoff
	}
	if c.RestartBackoff == (backoff.Policy{}) {
		c.RestartBackoff = defaults.RestartBackoff
	}
	return c
}
