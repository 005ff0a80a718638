// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a minimal Matrix client-server API client: just
// enough to authenticate with an access token, send custom events to
// a room, and long-poll /sync for new ones. The Matrix signaling
// backend is built on it.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxResponseBytes bounds a homeserver response body.
const maxResponseBytes = 16 << 20

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver (e.g., "https://matrix.example.org").
	HomeserverURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an unauthenticated Matrix client. It holds the homeserver
// URL and HTTP transport shared across Sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new unauthenticated Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}
	// Request URLs are built by concatenation onto the trimmed base
	// so escaped path segments are sent exactly as produced.
	if _, err := url.Parse(config.HomeserverURL); err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Session returns an authenticated session for accessToken. The token
// is not checked until the first request; call WhoAmI to verify it.
func (c *Client) Session(accessToken string) *Session {
	return &Session{client: c, accessToken: accessToken}
}

// doRequest performs an HTTP request to the homeserver and returns the
// response body. On 2xx it returns the body; otherwise a *MatrixError.
func (c *Client) doRequest(ctx context.Context, method, path, accessToken string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(responseBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		return nil, fmt.Errorf("messaging: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	matrixErr.StatusCode = response.StatusCode
	return nil, &matrixErr
}
