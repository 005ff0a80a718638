// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/wiremesh/lib/backoff"
	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/netutil"
	"github.com/bureau-foundation/wiremesh/signaling"
)

// ErrNotConnected is returned by Publish while the client is
// reconnecting. The envelope is not queued.
var ErrNotConnected = errors.New("wsrelay: not connected to relay")

// ErrClosed is returned by operations on a closed Client.
var ErrClosed = errors.New("wsrelay: client closed")

// Options configures a Client.
type Options struct {
	// URL is the relay endpoint, ws:// or wss://.
	URL string

	// Header is sent with every handshake.
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Reconnect paces reconnection attempts after the connection
	// drops.
	Reconnect backoff.Policy

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is a signaling backend connected to a relay Server. It
// reconnects on its own and re-announces its subscriptions.
type Client struct {
	options    Options
	logger     *slog.Logger
	dispatcher signaling.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// writeMu serializes writers on the current connection.
	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
}

var _ signaling.Backend = (*Client)(nil)

// Dial connects to the relay. The first connection must succeed;
// later drops are retried in the background until Close.
func Dial(ctx context.Context, options Options) (*Client, error) {
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Reconnect == (backoff.Policy{}) {
		options.Reconnect = backoff.DefaultPolicy()
	}

	conn, err := dial(ctx, options)
	if err != nil {
		return nil, err
	}
	clientContext, cancel := context.WithCancel(context.Background())
	client := &Client{
		options: options,
		logger:  options.Logger.With("component", "signaling-ws", "relay", options.URL),
		ctx:     clientContext,
		cancel:  cancel,
		done:    make(chan struct{}),
		conn:    conn,
	}
	go client.run(conn)
	return client, nil
}

func dial(ctx context.Context, options Options) (*websocket.Conn, error) {
	conn, response, err := options.Dialer.DialContext(ctx, options.URL, options.Header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dialing relay %s: %s: %w", options.URL, response.Status, err)
		}
		return nil, fmt.Errorf("dialing relay %s: %w", options.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.read(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("relay connection lost, reconnecting")
		err := backoff.Retry(c.ctx, c.options.Clock, c.options.Reconnect, func(ctx context.Context) error {
			next, err := dial(ctx, c.options)
			if err != nil {
				return err
			}
			// Holding mu across the announcement makes a concurrent
			// Subscribe either appear in it or write after it.
			c.mu.Lock()
			defer c.mu.Unlock()
			if err := c.announce(next); err != nil {
				next.Close()
				return err
			}
			conn = next
			c.conn = next
			return nil
		}, func(err error, delay time.Duration) {
			c.logger.Debug("relay reconnect failed", "error", err, "retry_in", delay)
		})
		if err != nil {
			return
		}
		c.logger.Info("reconnected to relay")
	}
}

// announce sends a subscribe frame for every current subscription on
// a fresh connection.
func (c *Client) announce(conn *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, key := range c.dispatcher.Keys() {
		data, err := subscriptionFrame(frameSubscribe, key)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return fmt.Errorf("announcing subscription: %w", err)
		}
	}
	return nil
}

func (c *Client) read(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !netutil.IsExpectedCloseError(err) {
				c.logger.Debug("relay read failed", "error", err)
			}
			conn.Close()
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		decoded, err := decodeFrame(data)
		if err != nil || decoded.Type != frameEnvelope {
			c.logger.Debug("ignoring unexpected relay frame", "error", err)
			continue
		}
		envelope, err := signaling.UnmarshalEnvelope(decoded.Envelope)
		if err != nil {
			c.logger.Debug("ignoring undecodable envelope", "error", err)
			continue
		}
		c.dispatcher.Dispatch(envelope)
	}
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("writing to relay: %w", err)
	}
	return nil
}

func (c *Client) Kind() signaling.Kind { return signaling.KindWebSocket }

func (c *Client) Publish(ctx context.Context, _ crypto.Key, envelope *signaling.Envelope) error {
	data, err := envelopeFrame(envelope)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

// Subscribe registers handler and, for the first subscription of a
// key, announces it to the relay. If the announcement cannot be sent
// now it is sent on the next reconnect.
func (c *Client) Subscribe(self crypto.Key, handler signaling.EnvelopeHandler) (*signaling.Subscription, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	subscription, first := c.dispatcher.Add(self, handler)
	if !first {
		return subscription, nil
	}
	data, err := subscriptionFrame(frameSubscribe, self)
	if err != nil {
		c.dispatcher.Remove(subscription)
		return nil, err
	}
	if err := c.write(c.ctx, data); err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Debug("subscription announcement deferred", "error", err)
	}
	return subscription, nil
}

func (c *Client) Unsubscribe(subscription *signaling.Subscription) error {
	removed, last := c.dispatcher.Remove(subscription)
	if !removed || !last {
		return nil
	}
	data, err := subscriptionFrame(frameUnsubscribe, subscription.Key())
	if err != nil {
		return err
	}
	if err := c.write(c.ctx, data); err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// Close disconnects and stops reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-c.done
	return nil
}
