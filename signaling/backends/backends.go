// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backends opens signaling backends from URLs:
//
//	inprocess://                               the Options.Hub
//	mcast://239.19.48.84:4884?interface=eth0&loopback=true
//	ws://relay.example.org/signal              WebSocket relay (also wss://)
//	matrix+https://matrix.example.org?room=%23mesh:example.org&access_token=...
//
// Several URLs combine into one signaling.Multi.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/bureau-foundation/wiremesh/lib/backoff"
	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/signaling"
	"github.com/bureau-foundation/wiremesh/signaling/inprocess"
	"github.com/bureau-foundation/wiremesh/signaling/matrix"
	"github.com/bureau-foundation/wiremesh/signaling/mcast"
	"github.com/bureau-foundation/wiremesh/signaling/wsrelay"
)

// Options carries dependencies shared by every backend.
type Options struct {
	// Hub backs inprocess:// URLs. A nil Hub gives each such URL a
	// private hub, which only makes sense in tests.
	Hub *inprocess.Hub

	Reconnect backoff.Policy
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Open opens one backend per URL. A single URL yields its backend
// directly; several are combined with signaling.NewMulti.
func Open(ctx context.Context, urls []string, options Options) (signaling.Backend, error) {
	if len(urls) == 0 {
		return nil, errors.New("no signaling backends configured")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}

	opened := make([]signaling.Backend, 0, len(urls))
	for _, raw := range urls {
		backend, err := OpenURL(ctx, raw, options)
		if err != nil {
			for _, previous := range opened {
				previous.Close()
			}
			return nil, err
		}
		opened = append(opened, backend)
	}
	if len(opened) == 1 {
		return opened[0], nil
	}
	return signaling.NewMulti(opened...), nil
}

// OpenURL opens the backend named by one URL.
func OpenURL(ctx context.Context, raw string, options Options) (signaling.Backend, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	query := parsed.Query()

	switch parsed.Scheme {
	case "inprocess":
		hub := options.Hub
		if hub == nil {
			hub = inprocess.NewHub()
		}
		return hub.Connect(), nil

	case "mcast":
		mcastOptions := mcast.Options{Group: parsed.Host, Logger: options.Logger}
		if name := query.Get("interface"); name != "" {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				return nil, fmt.Errorf("mcast backend: %w", err)
			}
			mcastOptions.Interface = iface
		}
		if value := query.Get("loopback"); value != "" {
			loopback, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("mcast backend: loopback: %w", err)
			}
			mcastOptions.Loopback = loopback
		}
		return mcast.Listen(ctx, mcastOptions)

	case "ws", "wss":
		return wsrelay.Dial(ctx, wsrelay.Options{
			URL:       parsed.String(),
			Reconnect: options.Reconnect,
			Clock:     options.Clock,
			Logger:    options.Logger,
		})

	case "matrix+http", "matrix+https":
		room := query.Get("room")
		token := query.Get("access_token")
		homeserver := url.URL{
			Scheme: strings.TrimPrefix(parsed.Scheme, "matrix+"),
			Host:   parsed.Host,
			Path:   parsed.Path,
		}
		return matrix.Open(ctx, matrix.Options{
			Homeserver:  homeserver.String(),
			AccessToken: token,
			Room:        room,
			EventType:   query.Get("event_type"),
			Retry:       options.Reconnect,
			Clock:       options.Clock,
			Logger:      options.Logger,
		})

	default:
		return nil, fmt.Errorf("unknown signaling backend scheme %q", parsed.Scheme)
	}
}

// ValidScheme reports whether raw names a backend this package opens.
func ValidScheme(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "inprocess", "mcast", "ws", "wss", "matrix+http", "matrix+https":
		return true
	}
	return false
}
