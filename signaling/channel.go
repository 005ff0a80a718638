// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// ErrPublishTimeout reports that a publish did not complete before
// its deadline. The session engine retries on its own schedule.
var ErrPublishTimeout = errors.New("signaling: publish timed out")

// MessageHandler receives authenticated, decoded messages.
type MessageHandler func(sender crypto.Key, message *Message)

// Channel binds a Backend to the local identity: outgoing messages
// are sealed for their recipient, incoming envelopes are opened and
// anything that fails authentication or decoding is dropped.
type Channel struct {
	backend Backend
	local   crypto.KeyPair
	timeout time.Duration
	logger  *slog.Logger

	authenticationFailures atomic.Uint64
	decodeFailures         atomic.Uint64
}

// NewChannel returns a Channel publishing through backend with the
// given per-publish timeout.
func NewChannel(backend Backend, local crypto.KeyPair, timeout time.Duration, logger *slog.Logger) *Channel {
	return &Channel{
		backend: backend,
		local:   local,
		timeout: timeout,
		logger:  logger,
	}
}

// Local returns the local identity.
func (c *Channel) Local() crypto.Key { return c.local.Public }

// Send seals message for to and publishes it.
func (c *Channel) Send(ctx context.Context, to crypto.Key, message *Message) error {
	envelope, err := Seal(to, c.local, message)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.backend.Publish(ctx, to, envelope); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v: %v", ErrPublishTimeout, c.timeout, err)
		}
		return fmt.Errorf("publishing %s to %s: %w", message.Kind(), to.Short(), err)
	}
	return nil
}

// Subscribe delivers messages addressed to the local identity.
func (c *Channel) Subscribe(handler MessageHandler) (*Subscription, error) {
	return c.backend.Subscribe(c.local.Public, func(envelope *Envelope) {
		sender, message, err := Open(envelope, c.local)
		switch {
		case err == nil:
			handler(sender, message)
		case errors.Is(err, ErrAuthentication):
			c.authenticationFailures.Add(1)
			claimed, _ := envelope.SenderKey()
			c.logger.Warn("dropping envelope that failed authentication",
				"claimed_sender", claimed.String(),
				"backend", string(c.backend.Kind()),
				"security", true,
			)
		default:
			c.decodeFailures.Add(1)
			c.logger.Debug("dropping malformed signaling message", "error", err)
		}
	})
}

// Unsubscribe removes a subscription made with Subscribe.
func (c *Channel) Unsubscribe(subscription *Subscription) error {
	return c.backend.Unsubscribe(subscription)
}

// Stats returns the number of envelopes dropped for failed
// authentication and for malformed content.
func (c *Channel) Stats() (authentication, decode uint64) {
	return c.authenticationFailures.Load(), c.decodeFailures.Load()
}
