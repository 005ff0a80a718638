// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control serves the daemon's local control protocol on a
// Unix socket and provides the client the wiremesh CLI uses.
//
// The protocol is CBOR. A client connects, writes one request map with
// an "action" field plus action-specific fields, and reads a
// [Response]. Request-response actions then close the connection.
// Streaming actions ("watch") keep it open and write one CBOR item per
// update after the response, until the client disconnects or the
// daemon shuts down.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/codec"
)

// ActionFunc processes a request. raw is the full CBOR request,
// including the "action" field. A nil result yields {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc processes a streaming request. It calls send for every
// item and returns when ctx ends or it has nothing more to send. ctx
// is cancelled when the client disconnects.
type StreamFunc func(ctx context.Context, raw []byte, send func(item any) error) error

// Response is the envelope of every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Server serves the control protocol. Actions are registered with
// Handle and Stream before Serve.
type Server struct {
	socketPath string
	handlers   map[string]ActionFunc
	streams    map[string]StreamFunc
	logger     *slog.Logger

	active sync.WaitGroup
}

// NewServer returns a server that will listen on socketPath.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		streams:    make(map[string]StreamFunc),
		logger:     logger.With("component", "control"),
	}
}

// Handle registers a request-response action. It panics on a
// duplicate name.
func (s *Server) Handle(action string, handler ActionFunc) {
	s.checkUnique(action)
	s.handlers[action] = handler
}

// Stream registers a streaming action. It panics on a duplicate name.
func (s *Server) Stream(action string, handler StreamFunc) {
	s.checkUnique(action)
	s.streams[action] = handler
}

func (s *Server) checkUnique(action string) {
	_, handled := s.handlers[action]
	_, streamed := s.streams[action]
	if handled || streamed {
		panic(fmt.Sprintf("control.Server: duplicate handler for action %q", action))
	}
}

// Serve accepts connections until ctx is cancelled, then waits for
// active connections to finish. A stale socket file is replaced, and
// the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		return fmt.Errorf("restricting %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	s.active.Wait()
	return nil
}

// readTimeout bounds how long a client may take to send its request.
const readTimeout = 30 * time.Second

// writeTimeout bounds each response or stream item write.
const writeTimeout = 10 * time.Second

// maxRequestSize bounds a request.
const maxRequestSize = 64 * 1024

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	if stream, ok := s.streams[header.Action]; ok {
		s.serveStream(ctx, conn, header.Action, raw, stream)
		return
	}
	handler, ok := s.handlers[header.Action]
	if !ok {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}
	result, err := handler(ctx, raw)
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

// serveStream acknowledges the request and hands the connection to
// stream. The stream's context ends when the client closes its side.
func (s *Server) serveStream(ctx context.Context, conn net.Conn, action string, raw []byte, stream StreamFunc) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadDeadline(time.Time{})
	go func() {
		io.Copy(io.Discard, conn)
		cancel()
	}()

	if !s.writeSuccess(conn, nil) {
		return
	}
	encoder := codec.NewEncoder(conn)
	send := func(item any) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return encoder.Encode(item)
	}
	if err := stream(ctx, raw, send); err != nil && ctx.Err() == nil {
		s.logger.Debug("stream ended", "action", action, "error", err)
	}
}

func (s *Server) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{Error: message}); err != nil {
		s.logger.Debug("writing error response", "error", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return false
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing response", "error", err)
		return false
	}
	return true
}
