// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inprocess is a signaling backend for peers living in the
// same process: tests, simulations, and daemons that run several
// interfaces. A Hub stands in for the network; each Backend attached
// to it sees every envelope published on any other.
package inprocess

import (
	"context"
	"errors"
	"sync"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/signaling"
)

// ErrClosed is returned by operations on a closed Backend.
var ErrClosed = errors.New("inprocess: backend closed")

// Hub connects in-process backends.
type Hub struct {
	mu       sync.RWMutex
	backends map[*Backend]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{backends: make(map[*Backend]struct{})}
}

// Connect attaches a new backend to the hub.
func (h *Hub) Connect() *Backend {
	backend := &Backend{hub: h}
	h.mu.Lock()
	h.backends[backend] = struct{}{}
	h.mu.Unlock()
	return backend
}

func (h *Hub) deliver(envelope *signaling.Envelope) {
	h.mu.RLock()
	targets := make([]*Backend, 0, len(h.backends))
	for backend := range h.backends {
		targets = append(targets, backend)
	}
	h.mu.RUnlock()

	for _, backend := range targets {
		backend.dispatcher.Dispatch(envelope)
	}
}

// Backend is one attachment to a Hub. Publish delivers synchronously
// on the caller's goroutine.
type Backend struct {
	hub        *Hub
	dispatcher signaling.Dispatcher

	mu     sync.Mutex
	closed bool
}

var _ signaling.Backend = (*Backend)(nil)

func (b *Backend) Kind() signaling.Kind { return signaling.KindInProcess }

func (b *Backend) Publish(ctx context.Context, _ crypto.Key, envelope *signaling.Envelope) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.deliver(envelope)
	return nil
}

func (b *Backend) Subscribe(self crypto.Key, handler signaling.EnvelopeHandler) (*signaling.Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	subscription, _ := b.dispatcher.Add(self, handler)
	return subscription, nil
}

func (b *Backend) Unsubscribe(subscription *signaling.Subscription) error {
	b.dispatcher.Remove(subscription)
	return nil
}

// Close detaches the backend from its hub.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.hub.mu.Lock()
	delete(b.hub.backends, b)
	b.hub.mu.Unlock()
	return nil
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
