// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/netutil"
)

// UserStrategy relays a peer's traffic through a loopback socket. The
// tunnel sends to the relay socket; the relay forwards from the pair's
// local candidate to the remote candidate, and routes packets from the
// remote back to the tunnel's listen port. It works with every tunnel
// driver and every pair.
type UserStrategy struct {
	mux        PacketMux
	tunnelPort func() uint16
	logger     *slog.Logger
}

// NewUserStrategy returns the user strategy. tunnelPort reports the
// port the tunnel listens on, on loopback.
func NewUserStrategy(mux PacketMux, tunnelPort func() uint16, logger *slog.Logger) *UserStrategy {
	return &UserStrategy{
		mux:        mux,
		tunnelPort: tunnelPort,
		logger:     logger.With("component", "proxy", "strategy", "user"),
	}
}

func (u *UserStrategy) Name() string { return "user" }

func (u *UserStrategy) Bind(ctx context.Context, peer crypto.Key, pair *ice.CandidatePair) (Binding, error) {
	base := pair.Local.Base()
	if base == nil {
		return nil, fmt.Errorf("%w: local candidate %s has no socket", ErrStrategyUnavailable, pair.Local)
	}
	port := u.tunnelPort()
	if port == 0 {
		return nil, fmt.Errorf("%w: tunnel has no listen port", ErrStrategyUnavailable)
	}
	tunnelAddr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)

	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("opening relay socket: %w", err)
	}
	binding := &userBinding{
		relay:      relay,
		endpoint:   relay.LocalAddr().(*net.UDPAddr).AddrPort(),
		tunnelAddr: tunnelAddr,
		local:      pair.Local,
		remote:     pair.Remote.Addr,
		mux:        u.mux,
		logger:     u.logger.With("peer", peer.Short()),
		done:       make(chan struct{}),
	}
	release, err := u.mux.Route(base, pair.Remote.Addr, binding.toTunnel)
	if err != nil {
		relay.Close()
		return nil, fmt.Errorf("routing %s: %w", pair.Remote.Addr, err)
	}
	binding.release = release
	go binding.toRemote()
	return binding, nil
}

type userBinding struct {
	relay      *net.UDPConn
	endpoint   netip.AddrPort
	tunnelAddr netip.AddrPort
	local      ice.Candidate
	remote     netip.AddrPort
	mux        PacketMux
	logger     *slog.Logger
	release    func()
	done       chan struct{}
	closeOnce  sync.Once
}

func (b *userBinding) Endpoint() netip.AddrPort { return b.endpoint }

// toTunnel runs on the mux read loop for packets from the remote.
func (b *userBinding) toTunnel(packet []byte, from netip.AddrPort) {
	if _, err := b.relay.WriteToUDPAddrPort(packet, b.tunnelAddr); err != nil && !netutil.IsExpectedCloseError(err) {
		b.logger.Debug("relaying to tunnel", "error", err)
	}
}

// toRemote forwards what the tunnel sends to the relay socket.
func (b *userBinding) toRemote() {
	defer close(b.done)
	buffer := make([]byte, 65535)
	for {
		n, from, err := b.relay.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				b.logger.Warn("relay socket read failed", "error", err)
			}
			return
		}
		if netip.AddrPortFrom(from.Addr().Unmap(), from.Port()) != b.tunnelAddr {
			continue
		}
		if err := b.mux.Send(b.local, b.remote, buffer[:n]); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Debug("relaying to remote", "remote", b.remote, "error", err)
		}
	}
}

func (b *userBinding) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.release()
		err = b.relay.Close()
		<-b.done
	})
	return err
}
