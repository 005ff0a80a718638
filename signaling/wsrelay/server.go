// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsrelay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/netutil"
	"github.com/bureau-foundation/wiremesh/signaling"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// FrameRate and FrameBurst limit the frames accepted from one
	// connection. Frames over the limit are dropped, not queued.
	FrameRate  rate.Limit
	FrameBurst int

	// SendQueue is the number of frames buffered per connection
	// before further frames to it are dropped.
	SendQueue int

	Logger *slog.Logger
}

// Server is the relay. It implements http.Handler; mount it wherever
// clients should connect.
type Server struct {
	upgrader websocket.Upgrader
	options  ServerOptions
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[*relayConnection]struct{}
	subscribers map[crypto.Key]map[*relayConnection]struct{}
	closed      bool
}

type relayConnection struct {
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	keys    map[crypto.Key]struct{}
	done    chan struct{}
	once    sync.Once
}

func (c *relayConnection) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// NewServer returns a relay with no connections.
func NewServer(options ServerOptions) *Server {
	if options.FrameRate == 0 {
		options.FrameRate = 50
	}
	if options.FrameBurst == 0 {
		options.FrameBurst = 100
	}
	if options.SendQueue == 0 {
		options.SendQueue = 64
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		options:     options,
		logger:      options.Logger.With("component", "signaling-relay"),
		connections: make(map[*relayConnection]struct{}),
		subscribers: make(map[crypto.Key]map[*relayConnection]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	connection := &relayConnection{
		ws:      ws,
		send:    make(chan []byte, s.options.SendQueue),
		limiter: rate.NewLimiter(s.options.FrameRate, s.options.FrameBurst),
		keys:    make(map[crypto.Key]struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.connections[connection] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Debug("relay client connected")
	go s.writeLoop(connection, logger)
	s.readLoop(connection, logger)

	s.detach(connection)
	connection.close()
	logger.Debug("relay client disconnected")
}

func (s *Server) readLoop(connection *relayConnection, logger *slog.Logger) {
	for {
		messageType, data, err := connection.ws.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				logger.Debug("relay read failed", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if !connection.limiter.Allow() {
			logger.Warn("relay client over frame rate, dropping frame")
			continue
		}
		decoded, err := decodeFrame(data)
		if err != nil {
			logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		switch decoded.Type {
		case frameSubscribe:
			key, _ := crypto.KeyFromBytes(decoded.Key)
			s.subscribe(connection, key)
		case frameUnsubscribe:
			key, _ := crypto.KeyFromBytes(decoded.Key)
			s.unsubscribe(connection, key)
		case frameEnvelope:
			s.forward(data, decoded.Envelope, logger)
		}
	}
}

func (s *Server) writeLoop(connection *relayConnection, logger *slog.Logger) {
	for {
		select {
		case <-connection.done:
			return
		case data := <-connection.send:
			connection.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := connection.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				logger.Debug("relay write failed", "error", err)
				connection.close()
				return
			}
		}
	}
}

func (s *Server) subscribe(connection *relayConnection, key crypto.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connection.keys[key] = struct{}{}
	set := s.subscribers[key]
	if set == nil {
		set = make(map[*relayConnection]struct{})
		s.subscribers[key] = set
	}
	set[connection] = struct{}{}
}

func (s *Server) unsubscribe(connection *relayConnection, key crypto.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked(connection, key)
}

func (s *Server) unsubscribeLocked(connection *relayConnection, key crypto.Key) {
	delete(connection.keys, key)
	set := s.subscribers[key]
	delete(set, connection)
	if len(set) == 0 {
		delete(s.subscribers, key)
	}
}

func (s *Server) detach(connection *relayConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range connection.keys {
		s.unsubscribeLocked(connection, key)
	}
	delete(s.connections, connection)
}

// forward queues frame for every connection subscribed to the
// envelope's recipient. Full queues drop the frame.
func (s *Server) forward(frame, encoded []byte, logger *slog.Logger) {
	envelope, err := signaling.UnmarshalEnvelope(encoded)
	if err != nil {
		logger.Debug("dropping undecodable envelope", "error", err)
		return
	}
	recipient, ok := envelope.RecipientKey()
	if !ok {
		return
	}

	s.mu.Lock()
	targets := make([]*relayConnection, 0, len(s.subscribers[recipient]))
	for connection := range s.subscribers[recipient] {
		targets = append(targets, connection)
	}
	s.mu.Unlock()

	for _, target := range targets {
		select {
		case target.send <- frame:
		default:
			logger.Debug("relay send queue full, dropping envelope", "recipient", recipient.Short())
		}
	}
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Subscribed reports whether any client is subscribed for key.
func (s *Server) Subscribed(key crypto.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[key]) > 0
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	connections := make([]*relayConnection, 0, len(s.connections))
	for connection := range s.connections {
		connections = append(connections, connection)
	}
	s.mu.Unlock()
	for _, connection := range connections {
		connection.close()
	}
	return nil
}
