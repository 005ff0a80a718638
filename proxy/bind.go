// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/tunnel"
)

// BindStrategy hands the peer's packets straight to a userspace
// tunnel. Nothing listens on the endpoint the tunnel is given; the
// device passes packets for it to the strategy, which sends them from
// the pair's local candidate.
type BindStrategy struct {
	mux   PacketMux
	plane tunnel.DataPlane

	mu   sync.Mutex
	refs map[crypto.Key]int
}

// NewBindStrategy returns the bind strategy. plane is nil when the
// tunnel does not move packets in this process, and the strategy is
// then unavailable.
func NewBindStrategy(mux PacketMux, plane tunnel.DataPlane) *BindStrategy {
	return &BindStrategy{mux: mux, plane: plane, refs: make(map[crypto.Key]int)}
}

func (s *BindStrategy) Name() string { return "bind" }

func (s *BindStrategy) Bind(ctx context.Context, peer crypto.Key, pair *ice.CandidatePair) (Binding, error) {
	if s.plane == nil {
		return nil, fmt.Errorf("%w: tunnel is not userspace", ErrStrategyUnavailable)
	}
	base := pair.Local.Base()
	if base == nil {
		return nil, fmt.Errorf("%w: local candidate %s has no socket", ErrStrategyUnavailable, pair.Local)
	}
	local, remote := pair.Local, pair.Remote.Addr

	s.mu.Lock()
	defer s.mu.Unlock()
	attachment, err := s.plane.AttachPeer(peer, func(packet []byte) error {
		return s.mux.Send(local, remote, packet)
	})
	if err != nil {
		return nil, fmt.Errorf("attaching %s to the tunnel: %w", peer.Short(), err)
	}
	release, err := s.mux.Route(base, remote, func(packet []byte, from netip.AddrPort) {
		attachment.Deliver(packet)
	})
	if err != nil {
		if s.refs[peer] == 0 {
			s.plane.DetachPeer(peer)
		}
		return nil, fmt.Errorf("routing %s: %w", remote, err)
	}
	s.refs[peer]++
	return &bindBinding{strategy: s, peer: peer, endpoint: attachment.Endpoint, release: release}, nil
}

// detach drops one reference to peer's attachment. A rebind attaches
// the peer again before the old binding closes, so the attachment is
// only removed with its last binding.
func (s *BindStrategy) detach(peer crypto.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[peer]--
	if s.refs[peer] > 0 {
		return
	}
	delete(s.refs, peer)
	s.plane.DetachPeer(peer)
}

type bindBinding struct {
	strategy *BindStrategy
	peer     crypto.Key
	endpoint netip.AddrPort
	release  func()
	once     sync.Once
}

func (b *bindBinding) Endpoint() netip.AddrPort { return b.endpoint }

func (b *bindBinding) Close() error {
	b.once.Do(func() {
		b.release()
		b.strategy.detach(b.peer)
	})
	return nil
}
