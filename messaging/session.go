// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// Session is an authenticated Matrix session.
type Session struct {
	client      *Client
	accessToken string

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// WhoAmI returns the user ID the access token belongs to.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: whoami failed: %w", err)
	}
	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// JoinRoom joins a room by ID or alias and returns the room ID.
func (s *Session) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	body, err := s.client.doRequest(ctx, http.MethodPost, path, s.accessToken, struct{}{}, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: join %q failed: %w", roomIDOrAlias, err)
	}
	var response JoinResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// SendEvent sends an event of any type to a room using Matrix's
// idempotent PUT with a transaction ID. Returns the event ID.
func (s *Session) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventType),
		url.PathEscape(s.nextTransactionID()),
	)
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content, nil)
	if err != nil {
		return "", fmt.Errorf("messaging: send event to %q failed: %w", roomID, err)
	}
	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// Sync performs an incremental sync. Leave options.Since empty for the
// initial sync; set options.Timeout to long-poll.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.Timeout > 0 {
		query.Set("timeout", strconv.FormatInt(options.Timeout.Milliseconds(), 10))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}
	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// nextTransactionID generates a unique transaction ID.
// Format: "wiremesh-<timestamp_ms>-<counter>" to stay unique across restarts.
func (s *Session) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("wiremesh-%d-%d", time.Now().UnixMilli(), counter)
}
