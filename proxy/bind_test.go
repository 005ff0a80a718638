// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/bureau-foundation/wiremesh/lib/testutil"
	"github.com/bureau-foundation/wiremesh/tunnel"
)

func TestBindStrategyCarriesTunnelPackets(t *testing.T) {
	mux, socket := newMux(t)
	remote := loopbackSocket(t)
	device := tunnel.NewMemory("wm0", 51820)
	splicer := NewSplicer(device, []Strategy{NewBindStrategy(mux, device)}, testLogger())
	peer := generateKey(t)
	ctx := context.Background()

	strategy, err := splicer.Bind(ctx, peer, muxPair(socket, addrOf(remote)))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if strategy != "bind" {
		t.Errorf("strategy = %q, want bind", strategy)
	}

	if err := device.Transmit(peer, []byte("ping")); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	payload, from := receive(t, remote)
	if payload != "ping" || from.Port() != socket.Port {
		t.Errorf("remote received %q from %s", payload, from)
	}

	sendTo(t, remote, "pong", netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), socket.Port))
	delivery := testutil.RequireReceive(t, device.Delivered(), ioTimeout, "waiting for delivered packet")
	if delivery.Peer != peer || string(delivery.Packet) != "pong" {
		t.Errorf("delivered %q for %s", delivery.Packet, delivery.Peer.Short())
	}

	if err := splicer.Release(ctx, peer); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := device.Transmit(peer, []byte("late")); !errors.Is(err, tunnel.ErrUnknownPeer) {
		t.Errorf("Transmit after Release: %v, want ErrUnknownPeer", err)
	}
}

func TestBindStrategyRebindKeepsAttachment(t *testing.T) {
	mux, socket := newMux(t)
	first := loopbackSocket(t)
	second := loopbackSocket(t)
	device := tunnel.NewMemory("wm0", 51820)
	splicer := NewSplicer(device, []Strategy{NewBindStrategy(mux, device)}, testLogger())
	peer := generateKey(t)
	ctx := context.Background()

	if _, err := splicer.Bind(ctx, peer, muxPair(socket, addrOf(first))); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	endpoint, _ := device.Endpoint(peer)
	if _, err := splicer.Bind(ctx, peer, muxPair(socket, addrOf(second))); err != nil {
		t.Fatalf("second Bind: %v", err)
	}
	if rebound, _ := device.Endpoint(peer); rebound != endpoint {
		t.Errorf("endpoint moved from %s to %s on rebind", endpoint, rebound)
	}

	if err := device.Transmit(peer, []byte("after rebind")); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if payload, _ := receive(t, second); payload != "after rebind" {
		t.Errorf("new remote received %q", payload)
	}
}

func TestBindStrategyWithoutDataPlane(t *testing.T) {
	_, socket := newMux(t)
	strategy := NewBindStrategy(nil, nil)
	_, err := strategy.Bind(context.Background(), generateKey(t), muxPair(socket, netip.MustParseAddrPort("192.0.2.1:5000")))
	if !errors.Is(err, ErrStrategyUnavailable) {
		t.Fatalf("Bind error = %v, want ErrStrategyUnavailable", err)
	}
}
