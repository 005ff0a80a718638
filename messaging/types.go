// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"time"
)

// Event is a Matrix room event as returned by /sync.
type Event struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since   string
	Timeout time.Duration
	// Filter is a filter ID or an inline JSON filter.
	Filter string
}

// SyncResponse is the part of the /sync response this client reads.
type SyncResponse struct {
	NextBatch string      `json:"next_batch"`
	Rooms     RoomsUpdate `json:"rooms"`
}

// RoomsUpdate groups per-room sync data by membership.
type RoomsUpdate struct {
	Join map[string]JoinedRoom `json:"join,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// SendEventResponse is returned when sending an event.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// JoinResponse is returned when joining a room.
type JoinResponse struct {
	RoomID string `json:"room_id"`
}

// WhoAmIResponse is returned by /account/whoami.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}
