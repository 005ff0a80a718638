// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// Multi fans out over several backends. Publish sends on all of them
// and succeeds if any does; subscriptions receive from all of them,
// so the same envelope may arrive once per backend.
type Multi struct {
	backends   []Backend
	dispatcher Dispatcher

	mu    sync.Mutex
	inner map[crypto.Key][]*Subscription
}

var _ Backend = (*Multi)(nil)

// NewMulti combines backends.
func NewMulti(backends ...Backend) *Multi {
	return &Multi{
		backends: backends,
		inner:    make(map[crypto.Key][]*Subscription),
	}
}

func (m *Multi) Kind() Kind { return KindMulti }

// Backends returns the combined backends.
func (m *Multi) Backends() []Backend { return m.backends }

func (m *Multi) Publish(ctx context.Context, recipient crypto.Key, envelope *Envelope) error {
	errs := make([]error, len(m.backends))
	var wg sync.WaitGroup
	for index, backend := range m.backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := backend.Publish(ctx, recipient, envelope); err != nil {
				errs[index] = fmt.Errorf("%s: %w", backend.Kind(), err)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Subscribe(self crypto.Key, handler EnvelopeHandler) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subscription, first := m.dispatcher.Add(self, handler)
	if !first {
		return subscription, nil
	}
	inner := make([]*Subscription, 0, len(m.backends))
	for _, backend := range m.backends {
		backendSubscription, err := backend.Subscribe(self, func(envelope *Envelope) {
			m.dispatcher.Dispatch(envelope)
		})
		if err != nil {
			for index, created := range inner {
				m.backends[index].Unsubscribe(created)
			}
			m.dispatcher.Remove(subscription)
			return nil, fmt.Errorf("subscribing on %s: %w", backend.Kind(), err)
		}
		inner = append(inner, backendSubscription)
	}
	m.inner[self] = inner
	return subscription, nil
}

func (m *Multi) Unsubscribe(subscription *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, last := m.dispatcher.Remove(subscription)
	if !removed || !last {
		return nil
	}
	var errs []error
	for index, inner := range m.inner[subscription.key] {
		if err := m.backends[index].Unsubscribe(inner); err != nil {
			errs = append(errs, err)
		}
	}
	delete(m.inner, subscription.key)
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", backend.Kind(), err))
		}
	}
	return errors.Join(errs...)
}
