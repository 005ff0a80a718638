// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// wgClient is the part of *wgctrl.Client the Kernel driver uses.
type wgClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, config wgtypes.Config) error
	Close() error
}

// Kernel controls an existing WireGuard interface through wgctrl:
// netlink for the Linux module, the UAPI socket for userspace
// implementations elsewhere. The interface must exist and be
// configured with a private key and listen port.
type Kernel struct {
	client wgClient
	name   string
	logger *slog.Logger

	mu         sync.Mutex
	port       uint16
	privateKey crypto.Key
	closed     bool
}

// OpenKernel attaches to the interface called name.
func OpenKernel(name string, logger *slog.Logger) (*Kernel, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wgctrl: %w", err)
	}
	kernel, err := newKernel(client, name, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return kernel, nil
}

func newKernel(client wgClient, name string, logger *slog.Logger) (*Kernel, error) {
	device, err := client.Device(name)
	if err != nil {
		return nil, fmt.Errorf("reading WireGuard interface %s: %w", name, err)
	}
	kernel := &Kernel{
		client:     client,
		name:       name,
		logger:     logger.With("component", "tunnel", "driver", "kernel", "interface", name),
		port:       uint16(device.ListenPort),
		privateKey: crypto.Key(device.PrivateKey),
	}
	kernel.logger.Info("attached to interface", "listen_port", device.ListenPort, "type", device.Type.String())
	return kernel, nil
}

func (k *Kernel) Name() string    { return k.name }
func (k *Kernel) Userspace() bool { return false }

func (k *Kernel) ListenPort() uint16 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.port
}

// PrivateKey returns the interface's private key as read at open.
func (k *Kernel) PrivateKey() crypto.Key {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.privateKey
}

func (k *Kernel) device() (*wgtypes.Device, error) {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	device, err := k.client.Device(k.name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", k.name, err)
	}
	k.mu.Lock()
	k.port = uint16(device.ListenPort)
	k.mu.Unlock()
	return device, nil
}

// Peers returns the interface's peers, sorted by key.
func (k *Kernel) Peers(ctx context.Context) ([]Peer, error) {
	device, err := k.device()
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(device.Peers))
	for _, peer := range device.Peers {
		peers = append(peers, peerFromWGTypes(peer))
	}
	slices.SortFunc(peers, func(a, b Peer) int { return a.PublicKey.Compare(b.PublicKey) })
	return peers, nil
}

// AddPeer creates the peer or replaces its allowed IPs.
func (k *Kernel) AddPeer(ctx context.Context, spec PeerSpec) error {
	keepalive := spec.PersistentKeepalive
	config := wgtypes.PeerConfig{
		PublicKey:                   wgtypes.Key(spec.PublicKey),
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  ipNets(spec.AllowedIPs),
		PersistentKeepaliveInterval: &keepalive,
	}
	if spec.Endpoint.IsValid() {
		config.Endpoint = net.UDPAddrFromAddrPort(spec.Endpoint)
	}
	return k.configure("adding peer "+spec.PublicKey.Short(), config)
}

// SetPeerEndpoint points an existing peer at endpoint.
func (k *Kernel) SetPeerEndpoint(ctx context.Context, peer crypto.Key, endpoint netip.AddrPort) error {
	if err := k.requirePeer(peer); err != nil {
		return err
	}
	return k.configure("setting endpoint of "+peer.Short(), wgtypes.PeerConfig{
		PublicKey:  wgtypes.Key(peer),
		UpdateOnly: true,
		Endpoint:   net.UDPAddrFromAddrPort(endpoint),
	})
}

// RemovePeer removes peer from the interface.
func (k *Kernel) RemovePeer(ctx context.Context, peer crypto.Key) error {
	if err := k.requirePeer(peer); err != nil {
		return err
	}
	return k.configure("removing peer "+peer.Short(), wgtypes.PeerConfig{
		PublicKey: wgtypes.Key(peer),
		Remove:    true,
	})
}

func (k *Kernel) requirePeer(peer crypto.Key) error {
	device, err := k.device()
	if err != nil {
		return err
	}
	for _, existing := range device.Peers {
		if crypto.Key(existing.PublicKey) == peer {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Short())
}

func (k *Kernel) configure(action string, peer wgtypes.PeerConfig) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := k.client.ConfigureDevice(k.name, wgtypes.Config{Peers: []wgtypes.PeerConfig{peer}}); err != nil {
		return fmt.Errorf("%s on %s: %w", action, k.name, err)
	}
	return nil
}

// Close releases the wgctrl handle. The interface stays up.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()
	return k.client.Close()
}

func peerFromWGTypes(peer wgtypes.Peer) Peer {
	converted := Peer{
		PublicKey:           crypto.Key(peer.PublicKey),
		PersistentKeepalive: peer.PersistentKeepaliveInterval,
		LastHandshake:       peer.LastHandshakeTime,
		ReceiveBytes:        peer.ReceiveBytes,
		TransmitBytes:       peer.TransmitBytes,
	}
	if peer.Endpoint != nil {
		endpoint := peer.Endpoint.AddrPort()
		converted.Endpoint = netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())
	}
	for _, allowed := range peer.AllowedIPs {
		addr, ok := netip.AddrFromSlice(allowed.IP)
		if !ok {
			continue
		}
		ones, bits := allowed.Mask.Size()
		if addr.Is4In6() && bits == 128 {
			ones -= 96
		}
		converted.AllowedIPs = append(converted.AllowedIPs, netip.PrefixFrom(addr.Unmap(), ones))
	}
	return converted
}

func ipNets(prefixes []netip.Prefix) []net.IPNet {
	nets := make([]net.IPNet, 0, len(prefixes))
	for _, prefix := range prefixes {
		prefix = prefix.Masked()
		nets = append(nets, net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
		})
	}
	return nets
}
