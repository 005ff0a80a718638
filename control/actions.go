// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/codec"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/session"
)

// Action names.
const (
	ActionStatus  = "status"
	ActionPeer    = "peer"
	ActionRestart = "restart"
	ActionRemove  = "remove"
	ActionWatch   = "watch"
)

// Status describes the daemon and all of its sessions.
type Status struct {
	Interface  string     `cbor:"interface"`
	PublicKey  crypto.Key `cbor:"public_key"`
	Driver     string     `cbor:"driver"`
	ListenPort uint16     `cbor:"listen_port"`

	// ICEPorts are the ports of the shared candidate sockets.
	ICEPorts   []uint16 `cbor:"ice_ports"`
	Strategies []string `cbor:"strategies"`
	Backends   []string `cbor:"backends"`

	Version       string    `cbor:"version"`
	StartedAt     time.Time `cbor:"started_at"`
	EventsDropped uint64    `cbor:"events_dropped"`

	// Sessions lists negotiated sessions and static peers, the latter
	// with state "static".
	Sessions []session.Snapshot `cbor:"sessions"`
}

// Sessions is the part of *session.Registry the actions use.
type Sessions interface {
	Snapshots() []session.Snapshot
	Restart(peer crypto.Key, reason string) error
	Remove(ctx context.Context, peer crypto.Key) error
	Events() *session.EventHub
}

// peerRequest carries the peer field shared by per-peer actions.
type peerRequest struct {
	Peer crypto.Key `cbor:"peer"`
}

func decodePeer(raw []byte) (crypto.Key, error) {
	var request peerRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return crypto.Key{}, fmt.Errorf("invalid request: %w", err)
	}
	if request.Peer.IsZero() {
		return crypto.Key{}, errors.New("missing required field: peer")
	}
	return request.Peer, nil
}

// watchBuffer is the per-watcher event backlog. A watcher that falls
// further behind misses events.
const watchBuffer = 256

// Register installs the daemon actions on server. status fills in the
// daemon fields of [Status]; Sessions and EventsDropped are added from
// sessions.
func Register(server *Server, sessions Sessions, status func() Status) {
	server.Handle(ActionStatus, func(ctx context.Context, raw []byte) (any, error) {
		result := status()
		result.Sessions = sessions.Snapshots()
		result.EventsDropped = sessions.Events().Dropped()
		return result, nil
	})

	server.Handle(ActionPeer, func(ctx context.Context, raw []byte) (any, error) {
		peer, err := decodePeer(raw)
		if err != nil {
			return nil, err
		}
		for _, snapshot := range sessions.Snapshots() {
			if snapshot.Peer == peer {
				return snapshot, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", session.ErrUnknownPeer, peer.Short())
	})

	server.Handle(ActionRestart, func(ctx context.Context, raw []byte) (any, error) {
		peer, err := decodePeer(raw)
		if err != nil {
			return nil, err
		}
		return nil, sessions.Restart(peer, "operator request")
	})

	server.Handle(ActionRemove, func(ctx context.Context, raw []byte) (any, error) {
		peer, err := decodePeer(raw)
		if err != nil {
			return nil, err
		}
		return nil, sessions.Remove(ctx, peer)
	})

	// watch streams session events, optionally for one peer only.
	server.Stream(ActionWatch, func(ctx context.Context, raw []byte, send func(any) error) error {
		var request peerRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return fmt.Errorf("invalid request: %w", err)
		}
		subscription := sessions.Events().Subscribe(watchBuffer)
		defer subscription.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-subscription.C:
				if !ok {
					return nil
				}
				if !request.Peer.IsZero() && event.Peer != request.Peer {
					continue
				}
				if err := send(event); err != nil {
					return err
				}
			}
		}
	})
}
