// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/signaling"
)

// Tunnel is the part of the tunnel device the registry drives
// directly: static endpoints and peer removal.
type Tunnel interface {
	SetPeerEndpoint(ctx context.Context, peer crypto.Key, endpoint netip.AddrPort) error
	RemovePeer(ctx context.Context, peer crypto.Key) error
}

// RegistryConfig holds what a Registry needs to create sessions.
type RegistryConfig struct {
	Local    crypto.KeyPair
	Signaler Signaler
	Gatherer Gatherer
	Prober   ice.Prober
	Binder   PathBinder

	// Tunnel receives static endpoints and peer removals. Optional.
	Tunnel Tunnel

	Clock  clock.Clock
	Events *EventHub
	Logger *slog.Logger

	Session Config

	// AcceptUnknownPeers creates a session when a peer that was never
	// added starts negotiating. When false such messages are dropped.
	AcceptUnknownPeers bool
}

// PeerOptions configure one peer.
type PeerOptions struct {
	// Endpoint, if valid, is a fixed address for the peer. No session
	// is negotiated; the endpoint goes straight to the tunnel.
	Endpoint netip.AddrPort
}

// Registry owns the sessions of one daemon, keyed by peer identity.
// It is created at startup and closed at shutdown.
type Registry struct {
	env    Environment
	config Config
	tunnel Tunnel
	accept bool
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[crypto.Key]*Session
	static   map[crypto.Key]netip.AddrPort
	known    map[crypto.Key]bool
	closed   bool
}

// NewRegistry validates config and returns an empty Registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Signaler == nil {
		return nil, errors.New("session: registry requires a Signaler")
	}
	if config.Gatherer == nil {
		return nil, errors.New("session: registry requires a Gatherer")
	}
	if config.Prober == nil {
		return nil, errors.New("session: registry requires a Prober")
	}
	if config.Local.Public.IsZero() {
		return nil, errors.New("session: registry requires the local key pair")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Events == nil {
		config.Events = NewEventHub()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	logger := config.Logger.With("component", "session")
	return &Registry{
		env: Environment{
			Local:    config.Local,
			Signaler: config.Signaler,
			Gatherer: config.Gatherer,
			Prober:   config.Prober,
			Binder:   config.Binder,
			Clock:    config.Clock,
			Events:   config.Events,
			Logger:   logger,
		},
		config:   config.Session.withDefaults(),
		tunnel:   config.Tunnel,
		accept:   config.AcceptUnknownPeers,
		logger:   logger,
		sessions: make(map[crypto.Key]*Session),
		static:   make(map[crypto.Key]netip.AddrPort),
		known:    make(map[crypto.Key]bool),
	}, nil
}

// Events returns the hub every session publishes to.
func (r *Registry) Events() *EventHub { return r.env.Events }

// AddPeer declares a peer. Peers with a static endpoint get it
// applied to the tunnel; all others get a session that starts
// negotiating at once.
func (r *Registry) AddPeer(ctx context.Context, peer crypto.Key, options PeerOptions) error {
	if peer == r.env.Local.Public {
		return ErrSelf
	}
	if !options.Endpoint.IsValid() {
		r.mu.Lock()
		r.known[peer] = true
		r.mu.Unlock()
		_, err := r.Ensure(peer)
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	r.known[peer] = true
	r.static[peer] = options.Endpoint
	existing := r.sessions[peer]
	delete(r.sessions, peer)
	r.mu.Unlock()

	if existing != nil {
		if err := existing.Close(ctx); err != nil {
			return fmt.Errorf("closing session for %s: %w", peer.Short(), err)
		}
	}
	r.logger.Info("peer uses a static endpoint", "peer", peer.Short(), "endpoint", options.Endpoint.String())
	if r.tunnel == nil {
		return nil
	}
	if err := r.tunnel.SetPeerEndpoint(ctx, peer, options.Endpoint); err != nil {
		return fmt.Errorf("applying static endpoint for %s: %w", peer.Short(), err)
	}
	return nil
}

// Ensure returns the session for peer, creating and starting it if
// needed. Peers with a static endpoint have no session.
func (r *Registry) Ensure(peer crypto.Key) (*Session, error) {
	if peer == r.env.Local.Public {
		return nil, ErrSelf
	}
	r.mu.RLock()
	existing, ok := r.sessions[peer]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, ok := r.static[peer]; ok {
		return nil, fmt.Errorf("peer %s uses a static endpoint", peer.Short())
	}
	if existing, ok := r.sessions[peer]; ok {
		return existing, nil
	}
	created := newSession(peer, r.env, r.config)
	r.sessions[peer] = created
	created.start()
	r.logger.Info("session created", "peer", peer.Short(), "role", created.Role().String())
	return created, nil
}

// Get returns the session for peer.
func (r *Registry) Get(peer crypto.Key) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found, ok := r.sessions[peer]
	return found, ok
}

// Peers returns every declared or negotiating peer, sorted.
func (r *Registry) Peers() []crypto.Key {
	r.mu.RLock()
	peers := make([]crypto.Key, 0, len(r.sessions)+len(r.static))
	for peer := range r.sessions {
		peers = append(peers, peer)
	}
	for peer := range r.static {
		peers = append(peers, peer)
	}
	r.mu.RUnlock()
	slices.SortFunc(peers, crypto.Key.Compare)
	return peers
}

// Snapshots returns the state of every session, sorted by peer.
// Static peers are reported as connected without negotiation.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	snapshots := make([]Snapshot, 0, len(r.sessions)+len(r.static))
	for _, found := range r.sessions {
		snapshots = append(snapshots, found.Snapshot())
	}
	for peer, endpoint := range r.static {
		snapshots = append(snapshots, Snapshot{
			Peer:       peer,
			State:      "static",
			Role:       DeriveRole(r.env.Local.Public, peer).String(),
			Usable:     true,
			ActivePath: &PathInfo{Remote: endpoint.String(), Strategy: "static"},
		})
	}
	r.mu.RUnlock()
	slices.SortFunc(snapshots, func(a, b Snapshot) int { return a.Peer.Compare(b.Peer) })
	return snapshots
}

// Restart restarts the negotiation with peer.
func (r *Registry) Restart(peer crypto.Key, reason string) error {
	found, ok := r.Get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Short())
	}
	found.Restart(reason)
	return nil
}

// Remove tears down the session with peer and removes the peer from
// the tunnel.
func (r *Registry) Remove(ctx context.Context, peer crypto.Key) error {
	r.mu.Lock()
	found := r.sessions[peer]
	_, static := r.static[peer]
	delete(r.sessions, peer)
	delete(r.static, peer)
	delete(r.known, peer)
	r.mu.Unlock()

	if found == nil && !static {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Short())
	}
	if found != nil {
		if err := found.Close(ctx); err != nil {
			return fmt.Errorf("closing session for %s: %w", peer.Short(), err)
		}
	}
	r.logger.Info("peer removed", "peer", peer.Short())
	if r.tunnel == nil {
		return nil
	}
	if err := r.tunnel.RemovePeer(ctx, peer); err != nil {
		return fmt.Errorf("removing %s from the tunnel: %w", peer.Short(), err)
	}
	return nil
}

// HandleMessage routes an inbound signaling message to the sender's
// session. It satisfies [signaling.MessageHandler] and never blocks.
func (r *Registry) HandleMessage(sender crypto.Key, message *signaling.Message) {
	if found, ok := r.Get(sender); ok {
		found.Deliver(message)
		return
	}

	r.mu.RLock()
	_, static := r.static[sender]
	known := r.known[sender]
	r.mu.RUnlock()
	if static {
		return
	}
	if !known && !r.accept {
		r.logger.Debug("dropping signaling from unknown peer", "peer", sender.Short(), "kind", message.Kind())
		return
	}
	created, err := r.Ensure(sender)
	if err != nil {
		r.logger.Debug("no session for signaling message", "peer", sender.Short(), "error", err)
		return
	}
	created.Deliver(message)
}

// Close tears down every session. The registry accepts no new
// sessions afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, found := range r.sessions {
		sessions = append(sessions, found)
	}
	clear(r.sessions)
	r.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	for _, found := range sessions {
		group.Go(func() error { return found.Close(ctx) })
	}
	return group.Wait()
}
