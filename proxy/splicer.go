// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy splices a negotiated candidate pair into the tunnel,
// so that WireGuard traffic for a peer follows the path the session
// selected.
//
// A [Splicer] tries its strategies in preference order and installs
// the first that works:
//
//   - nat rewrites ports in the kernel with nftables: the tunnel sends
//     from its own port and the rules make the traffic appear to come
//     from the candidate's socket.
//   - raw shares the tunnel's port with candidate discovery through a
//     raw socket that only sees STUN, so the tunnel can talk to the
//     remote candidate directly.
//   - user relays through a loopback socket in this process.
//   - bind hands packets to a userspace tunnel without any socket.
//
// A strategy that cannot serve a pair returns [ErrStrategyUnavailable]
// and the next one is tried. When none works, Bind returns a
// [*BindError].
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

var (
	// ErrStrategyUnavailable is returned by a strategy that does not
	// apply to a pair or cannot run on this host.
	ErrStrategyUnavailable = errors.New("proxy: strategy unavailable")

	// ErrBind matches every [*BindError].
	ErrBind = errors.New("proxy: no strategy could bind the path")
)

// Strategy installs one way of carrying a peer's tunnel traffic over a
// candidate pair.
type Strategy interface {
	Name() string
	Bind(ctx context.Context, peer crypto.Key, pair *ice.CandidatePair) (Binding, error)
}

// Binding is an installed strategy. The tunnel must send the peer's
// traffic to Endpoint.
type Binding interface {
	Endpoint() netip.AddrPort
	Close() error
}

// Tunnel is where the splicer points peers at their binding endpoint.
type Tunnel interface {
	SetPeerEndpoint(ctx context.Context, peer crypto.Key, endpoint netip.AddrPort) error
}

// PacketMux is the part of *ice.Mux strategies send and receive
// through.
type PacketMux interface {
	Route(base net.PacketConn, remote netip.AddrPort, handler ice.DataHandler) (release func(), err error)
	Send(local ice.Candidate, remote netip.AddrPort, packet []byte) error
}

// StrategyFailure records why one strategy did not bind.
type StrategyFailure struct {
	Strategy string
	Err      error
}

// BindError reports a path no strategy could bind.
type BindError struct {
	Peer     crypto.Key
	Failures []StrategyFailure
}

func (e *BindError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("binding path for %s: no strategies configured", e.Peer.Short())
	}
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, failure.Strategy+": "+failure.Err.Error())
	}
	return fmt.Sprintf("binding path for %s: %s", e.Peer.Short(), strings.Join(parts, "; "))
}

func (e *BindError) Is(target error) bool { return target == ErrBind }

func (e *BindError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}
	return errs
}

type installed struct {
	strategy string
	binding  Binding
	base     net.PacketConn
	remote   netip.AddrPort
}

// Splicer binds active paths for every peer of a tunnel. Bind and
// Release are serialized.
type Splicer struct {
	tunnel     Tunnel
	strategies []Strategy
	logger     *slog.Logger

	mu       sync.Mutex
	bindings map[crypto.Key]*installed
	closed   bool
}

// NewSplicer returns a Splicer trying strategies in order.
func NewSplicer(tunnel Tunnel, strategies []Strategy, logger *slog.Logger) *Splicer {
	return &Splicer{
		tunnel:     tunnel,
		strategies: strategies,
		logger:     logger.With("component", "splicer"),
		bindings:   make(map[crypto.Key]*installed),
	}
}

// Strategies returns the configured strategy names in order.
func (s *Splicer) Strategies() []string {
	names := make([]string, 0, len(s.strategies))
	for _, strategy := range s.strategies {
		names = append(names, strategy.Name())
	}
	return names
}

// Bind installs pair as the path for peer and points the tunnel at it.
// The previous binding of peer is closed once the new one is in
// place, or first when both would claim the same socket and remote.
// When every strategy fails the previous binding is closed as well and
// the error is a [*BindError].
func (s *Splicer) Bind(ctx context.Context, peer crypto.Key, pair *ice.CandidatePair) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("binding path for %s: splicer closed", peer.Short())
	}

	previous := s.bindings[peer]
	if previous != nil && previous.base == pair.Local.Base() && previous.remote == pair.Remote.Addr {
		s.closeBinding(peer, previous)
		previous = nil
	}

	var failures []StrategyFailure
	for _, strategy := range s.strategies {
		binding, err := strategy.Bind(ctx, peer, pair)
		if err != nil {
			s.logger.Debug("strategy did not bind", "peer", peer.Short(), "strategy", strategy.Name(), "error", err)
			failures = append(failures, StrategyFailure{Strategy: strategy.Name(), Err: err})
			continue
		}
		if err := s.tunnel.SetPeerEndpoint(ctx, peer, binding.Endpoint()); err != nil {
			binding.Close()
			failures = append(failures, StrategyFailure{
				Strategy: strategy.Name(),
				Err:      fmt.Errorf("setting tunnel endpoint %s: %w", binding.Endpoint(), err),
			})
			continue
		}

		s.bindings[peer] = &installed{
			strategy: strategy.Name(),
			binding:  binding,
			base:     pair.Local.Base(),
			remote:   pair.Remote.Addr,
		}
		if previous != nil {
			s.closeBinding(peer, previous)
		}
		s.logger.Info("path spliced",
			"peer", peer.Short(),
			"strategy", strategy.Name(),
			"endpoint", binding.Endpoint().String(),
			"pair", pair.String(),
		)
		return strategy.Name(), nil
	}

	if previous != nil {
		s.closeBinding(peer, previous)
	}
	delete(s.bindings, peer)
	return "", &BindError{Peer: peer, Failures: failures}
}

// Release closes the binding of peer, if any.
func (s *Splicer) Release(ctx context.Context, peer crypto.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.bindings[peer]
	if !ok {
		return nil
	}
	delete(s.bindings, peer)
	if err := current.binding.Close(); err != nil {
		return fmt.Errorf("releasing %s binding of %s: %w", current.strategy, peer.Short(), err)
	}
	s.logger.Info("path released", "peer", peer.Short(), "strategy", current.strategy)
	return nil
}

// Binding returns the strategy currently bound for peer.
func (s *Splicer) Binding(peer crypto.Key) (strategy string, endpoint netip.AddrPort, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.bindings[peer]
	if !ok {
		return "", netip.AddrPort{}, false
	}
	return current.strategy, current.binding.Endpoint(), true
}

// Close releases every binding.
func (s *Splicer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for peer, current := range s.bindings {
		if err := current.binding.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s binding of %s: %w", current.strategy, peer.Short(), err))
		}
	}
	clear(s.bindings)
	return errors.Join(errs...)
}

func (s *Splicer) closeBinding(peer crypto.Key, previous *installed) {
	if err := previous.binding.Close(); err != nil {
		s.logger.Warn("closing previous binding", "peer", peer.Short(), "strategy", previous.strategy, "error", err)
	}
}
