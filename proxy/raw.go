// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// portSharer is a candidate socket that receives STUN on the tunnel's
// own port, such as the socket returned by [ListenRaw].
type portSharer interface {
	net.PacketConn
	SharedPort() uint16
}

// RawStrategy binds pairs whose local candidate was gathered on a raw
// socket sharing the tunnel's port. The remote already reaches the
// tunnel at the candidate address, so the tunnel is pointed at the
// remote candidate and nothing is relayed.
type RawStrategy struct {
	tunnelPort func() uint16
}

// NewRawStrategy returns the raw strategy.
func NewRawStrategy(tunnelPort func() uint16) *RawStrategy {
	return &RawStrategy{tunnelPort: tunnelPort}
}

func (s *RawStrategy) Name() string { return "raw" }

func (s *RawStrategy) Bind(ctx context.Context, peer crypto.Key, pair *ice.CandidatePair) (Binding, error) {
	shared, ok := pair.Local.Base().(portSharer)
	if !ok {
		return nil, fmt.Errorf("%w: local candidate %s is not on a shared port", ErrStrategyUnavailable, pair.Local)
	}
	if port := s.tunnelPort(); shared.SharedPort() != port {
		return nil, fmt.Errorf("%w: candidate socket shares port %d, tunnel listens on %d",
			ErrStrategyUnavailable, shared.SharedPort(), port)
	}
	return rawBinding{remote: pair.Remote.Addr}, nil
}

type rawBinding struct {
	remote netip.AddrPort
}

func (b rawBinding) Endpoint() netip.AddrPort { return b.remote }
func (b rawBinding) Close() error             { return nil }
