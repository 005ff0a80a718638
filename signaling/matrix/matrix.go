// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrix is a signaling backend that exchanges envelopes as
// custom events in a Matrix room. Every agent joins the same room,
// sends each envelope as an event, and long-polls /sync for events
// addressed to its subscriptions. Room history is skipped on start:
// only events sent after the backend connects are delivered.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/backoff"
	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/messaging"
	"github.com/bureau-foundation/wiremesh/signaling"
)

// DefaultEventType is the event type envelopes are sent as.
const DefaultEventType = "org.wiremesh.signal"

// Content is the event content carrying one envelope. Recipient is
// duplicated outside the envelope so the room can be filtered
// without decoding.
type Content struct {
	Recipient string `json:"recipient"`
	Envelope  []byte `json:"envelope"`
}

// Options configures a Backend.
type Options struct {
	Homeserver  string
	AccessToken string

	// Room is a room ID or alias. It is joined on Open.
	Room string

	EventType   string
	SyncTimeout time.Duration
	Retry       backoff.Policy

	Client *messaging.Client
	Clock  clock.Clock
	Logger *slog.Logger
}

// Backend is a Matrix room signaling backend.
type Backend struct {
	session    *messaging.Session
	roomID     string
	eventType  string
	options    Options
	logger     *slog.Logger
	dispatcher signaling.Dispatcher

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ signaling.Backend = (*Backend)(nil)

// Open verifies the access token, joins the room, and starts syncing.
func Open(ctx context.Context, options Options) (*Backend, error) {
	if options.EventType == "" {
		options.EventType = DefaultEventType
	}
	if options.SyncTimeout == 0 {
		options.SyncTimeout = 30 * time.Second
	}
	if options.Retry == (backoff.Policy{}) {
		options.Retry = backoff.DefaultPolicy()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Room == "" {
		return nil, errors.New("matrix signaling: room is required")
	}
	client := options.Client
	if client == nil {
		var err error
		client, err = messaging.NewClient(messaging.ClientConfig{
			HomeserverURL: options.Homeserver,
			Logger:        options.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	session := client.Session(options.AccessToken)
	userID, err := session.WhoAmI(ctx)
	if err != nil {
		return nil, err
	}
	roomID, err := session.JoinRoom(ctx, options.Room)
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) || messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
			return nil, fmt.Errorf("matrix signaling: cannot join room %q: %w", options.Room, err)
		}
		return nil, err
	}

	// The initial sync establishes the position; its timeline is
	// history and is not delivered.
	initial, err := session.Sync(ctx, messaging.SyncOptions{Filter: timelineFilter(roomID, options.EventType, 0)})
	if err != nil {
		return nil, err
	}

	syncContext, cancel := context.WithCancel(context.Background())
	backend := &Backend{
		session:   session,
		roomID:    roomID,
		eventType: options.EventType,
		options:   options,
		logger:    options.Logger.With("component", "signaling-matrix", "room", roomID, "user_id", userID),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go backend.syncLoop(syncContext, initial.NextBatch)
	return backend, nil
}

func timelineFilter(roomID, eventType string, limit int) string {
	filter := map[string]any{
		"room": map[string]any{
			"rooms": []string{roomID},
			"timeline": map[string]any{
				"types": []string{eventType},
				"limit": limit,
			},
			"state":     map[string]any{"types": []string{}},
			"ephemeral": map[string]any{"types": []string{}},
		},
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	encoded, _ := json.Marshal(filter)
	return string(encoded)
}

func (b *Backend) syncLoop(ctx context.Context, since string) {
	defer close(b.done)
	filter := timelineFilter(b.roomID, b.eventType, 100)
	for ctx.Err() == nil {
		var response *messaging.SyncResponse
		err := backoff.Retry(ctx, b.options.Clock, b.options.Retry, func(ctx context.Context) error {
			var err error
			response, err = b.session.Sync(ctx, messaging.SyncOptions{
				Since:   since,
				Timeout: b.options.SyncTimeout,
				Filter:  filter,
			})
			return err
		}, b.logSyncError)
		if err != nil {
			return
		}
		since = response.NextBatch
		timeline := response.Rooms.Join[b.roomID].Timeline
		if timeline.Limited {
			b.logger.Debug("matrix timeline truncated, older signaling events skipped")
		}
		for _, event := range timeline.Events {
			b.handleEvent(event)
		}
	}
}

func (b *Backend) logSyncError(err error, delay time.Duration) {
	switch {
	case messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken):
		b.logger.Error("homeserver rejected the access token", "error", err, "retry_in", delay)
	case messaging.IsMatrixError(err, messaging.ErrCodeLimitExceeded):
		b.logger.Debug("matrix sync rate limited", "retry_in", delay)
	default:
		b.logger.Warn("matrix sync failed", "error", err, "retry_in", delay)
	}
}

func (b *Backend) handleEvent(event messaging.Event) {
	if event.Type != b.eventType {
		return
	}
	var content Content
	if err := json.Unmarshal(event.Content, &content); err != nil {
		b.logger.Debug("ignoring malformed signaling event", "event_id", event.EventID, "error", err)
		return
	}
	recipient, err := crypto.ParseKey(content.Recipient)
	if err != nil || !b.dispatcher.Subscribed(recipient) {
		return
	}
	envelope, err := signaling.UnmarshalEnvelope(content.Envelope)
	if err != nil {
		b.logger.Debug("ignoring undecodable envelope", "event_id", event.EventID, "error", err)
		return
	}
	b.dispatcher.Dispatch(envelope)
}

func (b *Backend) Kind() signaling.Kind { return signaling.KindMatrix }

// RoomID returns the joined room.
func (b *Backend) RoomID() string { return b.roomID }

func (b *Backend) Publish(ctx context.Context, recipient crypto.Key, envelope *signaling.Envelope) error {
	data, err := signaling.MarshalEnvelope(envelope)
	if err != nil {
		return err
	}
	content := Content{Recipient: recipient.String(), Envelope: data}
	if _, err := b.session.SendEvent(ctx, b.roomID, b.eventType, content); err != nil {
		return fmt.Errorf("sending signaling event: %w", err)
	}
	return nil
}

func (b *Backend) Subscribe(self crypto.Key, handler signaling.EnvelopeHandler) (*signaling.Subscription, error) {
	subscription, _ := b.dispatcher.Add(self, handler)
	return subscription, nil
}

func (b *Backend) Unsubscribe(subscription *signaling.Subscription) error {
	b.dispatcher.Remove(subscription)
	return nil
}

// Close stops syncing.
func (b *Backend) Close() error {
	b.once.Do(func() {
		b.cancel()
		<-b.done
	})
	return nil
}
