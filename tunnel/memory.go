// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// Delivery is a packet a Memory device received from a peer.
type Delivery struct {
	Peer   crypto.Key
	Packet []byte
}

// Memory is a device without a kernel or TUN interface. It records
// peer configuration and, as a [DataPlane], lets callers play the
// tunnel's side of a handed-over peer with Transmit and Delivered.
type Memory struct {
	name string
	port uint16

	mu        sync.Mutex
	peers     map[crypto.Key]*Peer
	attached  map[crypto.Key]*memoryAttachment
	endpoints *endpointAllocator
	delivered chan Delivery
	closed    bool
}

type memoryAttachment struct {
	endpoint netip.AddrPort
	send     SendFunc
}

// NewMemory returns an empty Memory device.
func NewMemory(name string, listenPort uint16) *Memory {
	return &Memory{
		name:      name,
		port:      listenPort,
		peers:     make(map[crypto.Key]*Peer),
		attached:  make(map[crypto.Key]*memoryAttachment),
		endpoints: newEndpointAllocator(),
		delivered: make(chan Delivery, 256),
	}
}

func (m *Memory) Name() string       { return m.name }
func (m *Memory) ListenPort() uint16 { return m.port }
func (m *Memory) Userspace() bool    { return true }

// Peers returns copies of the configured peers, sorted by key.
func (m *Memory) Peers(ctx context.Context) ([]Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	peers := make([]Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		copied := *peer
		copied.AllowedIPs = slices.Clone(peer.AllowedIPs)
		peers = append(peers, copied)
	}
	slices.SortFunc(peers, func(a, b Peer) int { return a.PublicKey.Compare(b.PublicKey) })
	return peers, nil
}

// AddPeer creates or replaces a peer.
func (m *Memory) AddPeer(ctx context.Context, spec PeerSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.peers[spec.PublicKey] = &Peer{
		PublicKey:           spec.PublicKey,
		Endpoint:            spec.Endpoint,
		AllowedIPs:          slices.Clone(spec.AllowedIPs),
		PersistentKeepalive: spec.PersistentKeepalive,
	}
	return nil
}

// SetPeerEndpoint points peer at endpoint, creating the peer if the
// device does not know it yet.
func (m *Memory) SetPeerEndpoint(ctx context.Context, peer crypto.Key, endpoint netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	existing, ok := m.peers[peer]
	if !ok {
		existing = &Peer{PublicKey: peer}
		m.peers[peer] = existing
	}
	existing.Endpoint = endpoint
	return nil
}

// RemovePeer deletes peer and detaches it from the data plane.
func (m *Memory) RemovePeer(ctx context.Context, peer crypto.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.peers[peer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Short())
	}
	delete(m.peers, peer)
	if attachment, ok := m.attached[peer]; ok {
		m.endpoints.release(attachment.endpoint)
		delete(m.attached, peer)
	}
	return nil
}

// Endpoint returns the endpoint configured for peer.
func (m *Memory) Endpoint(peer crypto.Key) (netip.AddrPort, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.peers[peer]
	if !ok {
		return netip.AddrPort{}, false
	}
	return existing.Endpoint, existing.Endpoint.IsValid()
}

// AttachPeer implements [DataPlane]. Attaching a peer again replaces
// its SendFunc and keeps its endpoint.
func (m *Memory) AttachPeer(peer crypto.Key, send SendFunc) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	attachment, ok := m.attached[peer]
	if !ok {
		endpoint, err := m.endpoints.allocate()
		if err != nil {
			return nil, err
		}
		attachment = &memoryAttachment{endpoint: endpoint}
		m.attached[peer] = attachment
	}
	attachment.send = send
	return &Attachment{
		Endpoint: attachment.endpoint,
		Deliver: func(packet []byte) {
			copied := slices.Clone(packet)
			select {
			case m.delivered <- Delivery{Peer: peer, Packet: copied}:
			default:
			}
		},
	}, nil
}

// DetachPeer implements [DataPlane].
func (m *Memory) DetachPeer(peer crypto.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if attachment, ok := m.attached[peer]; ok {
		m.endpoints.release(attachment.endpoint)
		delete(m.attached, peer)
	}
}

// Transmit sends packet to peer the way the tunnel would: through the
// attached SendFunc, and only while the peer's endpoint is the
// attachment's.
func (m *Memory) Transmit(peer crypto.Key, packet []byte) error {
	m.mu.Lock()
	attachment, attached := m.attached[peer]
	existing, configured := m.peers[peer]
	m.mu.Unlock()
	if !attached {
		return fmt.Errorf("%w: %s is not attached", ErrUnknownPeer, peer.Short())
	}
	if !configured || existing.Endpoint != attachment.endpoint {
		return fmt.Errorf("peer %s does not use its attachment endpoint", peer.Short())
	}
	return attachment.send(packet)
}

// Delivered returns packets fed back through attachments. Packets are
// dropped when nobody reads them.
func (m *Memory) Delivered() <-chan Delivery { return m.delivered }

// Close drops every peer.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	clear(m.peers)
	clear(m.attached)
	return nil
}
