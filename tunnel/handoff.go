// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// handoffPrefix holds the endpoints of attached peers. It is the
// discard-only prefix of RFC 6666, so a handoff endpoint that leaks
// into a kernel socket goes nowhere.
var handoffPrefix = netip.MustParsePrefix("100::/64")

// handoffPort is the port of every handoff endpoint.
const handoffPort = 9

// endpointAllocator hands out handoff endpoints, reusing released
// ones.
type endpointAllocator struct {
	next uint32
	free []netip.AddrPort
}

func newEndpointAllocator() *endpointAllocator {
	return &endpointAllocator{next: 1}
}

func (a *endpointAllocator) allocate() (netip.AddrPort, error) {
	if count := len(a.free); count > 0 {
		endpoint := a.free[count-1]
		a.free = a.free[:count-1]
		return endpoint, nil
	}
	if a.next == 0 {
		return netip.AddrPort{}, errors.New("tunnel: handoff endpoints exhausted")
	}
	raw := handoffPrefix.Addr().As16()
	raw[12] = byte(a.next >> 24)
	raw[13] = byte(a.next >> 16)
	raw[14] = byte(a.next >> 8)
	raw[15] = byte(a.next)
	a.next++
	return netip.AddrPortFrom(netip.AddrFrom16(raw), handoffPort), nil
}

func (a *endpointAllocator) release(endpoint netip.AddrPort) {
	if !slices.Contains(a.free, endpoint) {
		a.free = append(a.free, endpoint)
	}
}

// isHandoff reports whether endpoint belongs to an attached peer.
func isHandoff(endpoint netip.AddrPort) bool {
	return endpoint.Port() == handoffPort && handoffPrefix.Contains(endpoint.Addr())
}

// handoffEndpoint is the conn.Endpoint of an attached peer.
type handoffEndpoint struct {
	addr netip.AddrPort
}

func (e *handoffEndpoint) ClearSrc()           {}
func (e *handoffEndpoint) SrcToString() string { return "" }
func (e *handoffEndpoint) DstToString() string { return e.addr.String() }
func (e *handoffEndpoint) DstToBytes() []byte  { return e.addr.Addr().AsSlice() }
func (e *handoffEndpoint) DstIP() netip.Addr   { return e.addr.Addr() }
func (e *handoffEndpoint) SrcIP() netip.Addr   { return netip.Addr{} }

type handoffPacket struct {
	packet []byte
	from   *handoffEndpoint
}

type handoffPeer struct {
	key      crypto.Key
	endpoint *handoffEndpoint
	send     SendFunc
}

// handoffBind is the conn.Bind of a userspace device. Endpoints
// outside the handoff prefix go through inner, a regular UDP bind, so
// statically configured peers keep working. Handoff endpoints go to
// the SendFunc of the attached peer, and delivered packets surface
// through an extra receive function.
type handoffBind struct {
	inner conn.Bind

	mu        sync.Mutex
	peers     map[netip.AddrPort]*handoffPeer
	byKey     map[crypto.Key]*handoffPeer
	endpoints *endpointAllocator
	closed    chan struct{}

	inbound chan handoffPacket
}

var (
	_ conn.Bind     = (*handoffBind)(nil)
	_ conn.Endpoint = (*handoffEndpoint)(nil)
)

func newHandoffBind(inner conn.Bind) *handoffBind {
	closed := make(chan struct{})
	close(closed)
	return &handoffBind{
		inner:     inner,
		peers:     make(map[netip.AddrPort]*handoffPeer),
		byKey:     make(map[crypto.Key]*handoffPeer),
		endpoints: newEndpointAllocator(),
		closed:    closed,
		inbound:   make(chan handoffPacket, 1024),
	}
}

// Open opens the inner bind and adds the handoff receive function.
func (b *handoffBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	functions, actual, err := b.inner.Open(port)
	if err != nil {
		return nil, 0, err
	}
	b.mu.Lock()
	closed := make(chan struct{})
	b.closed = closed
	b.mu.Unlock()
	return append(functions, b.receiveFunc(closed)), actual, nil
}

func (b *handoffBind) receiveFunc(closed chan struct{}) conn.ReceiveFunc {
	return func(packets [][]byte, sizes []int, endpoints []conn.Endpoint) (int, error) {
		select {
		case <-closed:
			return 0, net.ErrClosed
		case received := <-b.inbound:
			sizes[0] = copy(packets[0], received.packet)
			endpoints[0] = received.from
			return 1, nil
		}
	}
}

func (b *handoffBind) Close() error {
	b.mu.Lock()
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	b.mu.Unlock()
	return b.inner.Close()
}

func (b *handoffBind) SetMark(mark uint32) error { return b.inner.SetMark(mark) }
func (b *handoffBind) BatchSize() int            { return b.inner.BatchSize() }

func (b *handoffBind) Send(buffers [][]byte, endpoint conn.Endpoint) error {
	handoff, ok := endpoint.(*handoffEndpoint)
	if !ok {
		return b.inner.Send(buffers, endpoint)
	}
	b.mu.Lock()
	peer := b.peers[handoff.addr]
	b.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("no peer attached at %s: %w", handoff.addr, net.ErrClosed)
	}
	for _, buffer := range buffers {
		if err := peer.send(buffer); err != nil {
			return err
		}
	}
	return nil
}

func (b *handoffBind) ParseEndpoint(text string) (conn.Endpoint, error) {
	endpoint, err := netip.ParseAddrPort(text)
	if err == nil && isHandoff(endpoint) {
		return &handoffEndpoint{addr: endpoint}, nil
	}
	return b.inner.ParseEndpoint(text)
}

func (b *handoffBind) attach(key crypto.Key, send SendFunc) (*Attachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peer, ok := b.byKey[key]
	if !ok {
		addr, err := b.endpoints.allocate()
		if err != nil {
			return nil, err
		}
		peer = &handoffPeer{key: key, endpoint: &handoffEndpoint{addr: addr}}
		b.byKey[key] = peer
		b.peers[addr] = peer
	}
	peer.send = send
	from := peer.endpoint
	return &Attachment{
		Endpoint: from.addr,
		Deliver: func(packet []byte) {
			select {
			case b.inbound <- handoffPacket{packet: slices.Clone(packet), from: from}:
			default:
			}
		},
	}, nil
}

func (b *handoffBind) detach(key crypto.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peer, ok := b.byKey[key]
	if !ok {
		return
	}
	delete(b.byKey, key)
	delete(b.peers, peer.endpoint.addr)
	b.endpoints.release(peer.endpoint.addr)
}
