// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"sync"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindInProcess Kind = "inprocess"
	KindMulticast Kind = "mcast"
	KindWebSocket Kind = "ws"
	KindMatrix    Kind = "matrix"
	KindMulti     Kind = "multi"
)

// EnvelopeHandler receives envelopes from a backend. It may be called
// from any goroutine, concurrently with other handlers, and must not
// block for long: the session engine only enqueues the envelope.
type EnvelopeHandler func(envelope *Envelope)

// Backend delivers envelopes to the peers subscribed under the
// recipient key.
//
// Every implementation provides the same weak guarantees: an envelope
// may be lost (in particular when the recipient has not subscribed
// yet), delivered more than once, or delivered out of order.
// Implementations never store envelopes for later delivery.
type Backend interface {
	// Kind identifies the implementation.
	Kind() Kind

	// Publish sends envelope towards recipient. It returns when the
	// envelope has been handed to the transport or ctx ends; it does
	// not wait for delivery. An unknown recipient is not an error.
	Publish(ctx context.Context, recipient crypto.Key, envelope *Envelope) error

	// Subscribe registers handler for envelopes addressed to self.
	Subscribe(self crypto.Key, handler EnvelopeHandler) (*Subscription, error)

	// Unsubscribe removes a subscription. After it returns the
	// handler is not invoked again. Removing a subscription twice is
	// not an error. It must not be called from the subscription's own
	// handler.
	Unsubscribe(subscription *Subscription) error

	// Close releases the backend's connections.
	Close() error
}

// Subscription is a handle returned by Backend.Subscribe.
type Subscription struct {
	key     crypto.Key
	handler EnvelopeHandler

	// mu is read-held for every handler invocation and write-held to
	// close, so closing waits for invocations in flight.
	mu     sync.RWMutex
	closed bool
}

// Key returns the subscribed identity.
func (s *Subscription) Key() crypto.Key { return s.key }

func (s *Subscription) deliver(envelope *Envelope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.handler(envelope)
	return true
}

// Dispatcher is the subscription table shared by backend
// implementations. The zero value is ready to use.
type Dispatcher struct {
	mu            sync.RWMutex
	subscriptions map[crypto.Key][]*Subscription
}

// Add registers handler under key. The boolean reports whether this
// is the first subscription for key, which network backends use to
// announce interest upstream.
func (d *Dispatcher) Add(key crypto.Key, handler EnvelopeHandler) (*Subscription, bool) {
	subscription := &Subscription{key: key, handler: handler}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscriptions == nil {
		d.subscriptions = make(map[crypto.Key][]*Subscription)
	}
	first := len(d.subscriptions[key]) == 0
	d.subscriptions[key] = append(d.subscriptions[key], subscription)
	return subscription, first
}

// Remove unregisters subscription and waits for its in-flight
// invocations. The first result reports whether it was registered;
// the second whether it was the last subscription for its key.
func (d *Dispatcher) Remove(subscription *Subscription) (removed, last bool) {
	d.mu.Lock()
	list := d.subscriptions[subscription.key]
	for index, candidate := range list {
		if candidate == subscription {
			list = append(list[:index:index], list[index+1:]...)
			removed = true
			break
		}
	}
	if removed {
		if len(list) == 0 {
			delete(d.subscriptions, subscription.key)
			last = true
		} else {
			d.subscriptions[subscription.key] = list
		}
	}
	d.mu.Unlock()

	subscription.mu.Lock()
	subscription.closed = true
	subscription.mu.Unlock()
	return removed, last
}

// Dispatch delivers envelope to every subscription for its recipient
// and returns how many handlers ran.
func (d *Dispatcher) Dispatch(envelope *Envelope) int {
	recipient, ok := envelope.RecipientKey()
	if !ok {
		return 0
	}
	d.mu.RLock()
	targets := append([]*Subscription(nil), d.subscriptions[recipient]...)
	d.mu.RUnlock()

	delivered := 0
	for _, subscription := range targets {
		if subscription.deliver(envelope) {
			delivered++
		}
	}
	return delivered
}

// Keys returns the identities with at least one subscription.
func (d *Dispatcher) Keys() []crypto.Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]crypto.Key, 0, len(d.subscriptions))
	for key := range d.subscriptions {
		keys = append(keys, key)
	}
	return keys
}

// Subscribed reports whether key has a subscription.
func (d *Dispatcher) Subscribed(key crypto.Key) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscriptions[key]) > 0
}
