// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/codec"
)

const dialTimeout = 5 * time.Second

// responseTimeout covers the daemon's handling of one request.
const responseTimeout = 45 * time.Second

const maxResponseSize = 4 * 1024 * 1024

// ActionError is a failure reported by the daemon.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Client talks to a daemon's control socket. Every call uses a new
// connection.
type Client struct {
	socketPath string
}

// NewClient returns a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call runs action with fields and decodes the response data into
// result, when both are present. A daemon-side failure is an
// [*ActionError].
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	conn, err := c.request(ctx, action, fields)
	if err != nil {
		return err
	}
	defer conn.Close()
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseTimeout))
	decoder := codec.NewDecoder(io.LimitReader(conn, maxResponseSize))
	return readResponse(decoder, action, result)
}

// Watch runs a streaming action and calls handle for every item until
// ctx ends, handle fails, or the daemon closes the stream. Ending
// because ctx ended is not an error.
func Watch[T any](ctx context.Context, c *Client, action string, fields map[string]any, handle func(T) error) error {
	conn, err := c.request(ctx, action, fields)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(responseTimeout))
	decoder := codec.NewDecoder(conn)
	if err := readResponse(decoder, action, nil); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Time{})
	for {
		var item T
		if err := decoder.Decode(&item); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%s: daemon closed the stream", action)
			}
			return fmt.Errorf("reading %s stream: %w", action, err)
		}
		if err := handle(item); err != nil {
			return err
		}
	}
}

func (c *Client) request(ctx context.Context, action string, fields map[string]any) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing %s request: %w", action, err)
	}
	return conn, nil
}

func readResponse(decoder *codec.Decoder, action string, result any) error {
	var response Response
	if err := decoder.Decode(&response); err != nil {
		return fmt.Errorf("reading %s response: %w", action, err)
	}
	if !response.OK {
		return &ActionError{Action: action, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %s response: %w", action, err)
		}
	}
	return nil
}
