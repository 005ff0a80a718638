// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// EventType names what happened to a session.
type EventType string

const (
	EventStateChanged        EventType = "state_changed"
	EventActivePathChanged   EventType = "active_path_changed"
	EventKeepaliveMissed     EventType = "keepalive_missed"
	EventDiscoveryDegraded   EventType = "discovery_degraded"
	EventDataPathUnavailable EventType = "data_path_unavailable"
	EventConnectivityFailed  EventType = "connectivity_failed"
)

// Event is a notification from a session. Events of one session are
// published in the order they happened.
type Event struct {
	ID   uuid.UUID  `cbor:"id"`
	Time time.Time  `cbor:"time"`
	Peer crypto.Key `cbor:"peer"`
	Type EventType  `cbor:"type"`

	// Generation is the local generation the event belongs to.
	Generation uint64 `cbor:"generation"`

	// From and To are set for EventStateChanged.
	From State `cbor:"from,omitempty"`
	To   State `cbor:"to,omitempty"`

	// Path is set for EventActivePathChanged.
	Path *PathInfo `cbor:"path,omitempty"`

	// Missed is the consecutive miss count for EventKeepaliveMissed.
	Missed int `cbor:"missed,omitempty"`

	// Error describes the cause for degraded, unavailable, and failed
	// events.
	Error string `cbor:"error,omitempty"`
}

// EventHub fans session events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the
// miss is counted.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[*EventSubscription]struct{}
	dropped     atomic.Uint64
}

// NewEventHub returns a hub without subscribers.
func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[*EventSubscription]struct{})}
}

// EventSubscription receives events on C until Close.
type EventSubscription struct {
	C <-chan Event

	hub     *EventHub
	channel chan Event
	once    sync.Once
}

// Subscribe registers a subscriber with room for buffer undelivered
// events.
func (h *EventHub) Subscribe(buffer int) *EventSubscription {
	if buffer < 1 {
		buffer = 1
	}
	channel := make(chan Event, buffer)
	subscription := &EventSubscription{C: channel, hub: h, channel: channel}
	h.mu.Lock()
	h.subscribers[subscription] = struct{}{}
	h.mu.Unlock()
	return subscription
}

// Close unregisters the subscription and closes C.
func (s *EventSubscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subscribers, s)
		close(s.channel)
		s.hub.mu.Unlock()
	})
}

// Dropped returns how many events were not delivered because a
// subscriber was full.
func (h *EventHub) Dropped() uint64 { return h.dropped.Load() }

// Publish delivers event to every subscriber with room for it.
func (h *EventHub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for subscription := range h.subscribers {
		select {
		case subscription.channel <- event:
		default:
			h.dropped.Add(1)
		}
	}
}
