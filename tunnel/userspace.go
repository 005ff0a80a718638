// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// UserspaceConfig configures a wireguard-go device.
type UserspaceConfig struct {
	Name       string
	MTU        int
	PrivateKey crypto.Key

	// ListenPort 0 lets the bind pick a port.
	ListenPort uint16
}

// Userspace is a wireguard-go device running in this process. Its
// bind serves regular UDP endpoints and, as a [DataPlane], hands the
// packets of attached peers to the splicer.
type Userspace struct {
	name   string
	device *device.Device
	bind   *handoffBind
	logger *slog.Logger

	mu     sync.Mutex
	port   uint16
	closed bool
}

// OpenUserspace creates the TUN interface and brings the device up.
func OpenUserspace(config UserspaceConfig, logger *slog.Logger) (*Userspace, error) {
	if config.MTU == 0 {
		config.MTU = device.DefaultMTU
	}
	tunDevice, err := tun.CreateTUN(config.Name, config.MTU)
	if err != nil {
		return nil, fmt.Errorf("creating TUN interface %s: %w", config.Name, err)
	}
	name, err := tunDevice.Name()
	if err != nil {
		tunDevice.Close()
		return nil, fmt.Errorf("reading TUN interface name: %w", err)
	}
	config.Name = name
	return newUserspace(tunDevice, conn.NewDefaultBind(), config, logger)
}

// newUserspace starts a device on an existing TUN device and inner
// bind. The device owns both afterwards.
func newUserspace(tunDevice tun.Device, inner conn.Bind, config UserspaceConfig, logger *slog.Logger) (*Userspace, error) {
	logger = logger.With("component", "tunnel", "driver", "userspace", "interface", config.Name)
	bind := newHandoffBind(inner)
	wg := device.NewDevice(tunDevice, bind, &device.Logger{
		Verbosef: func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		Errorf:   func(format string, args ...any) { logger.Warn(fmt.Sprintf(format, args...)) },
	})
	setup := newUAPIConfig().
		set("private_key", config.PrivateKey.Hex()).
		set("listen_port", fmt.Sprint(config.ListenPort))
	if err := wg.IpcSet(setup.String()); err != nil {
		wg.Close()
		return nil, fmt.Errorf("configuring %s: %w", config.Name, err)
	}
	if err := wg.Up(); err != nil {
		wg.Close()
		return nil, fmt.Errorf("bringing up %s: %w", config.Name, err)
	}

	u := &Userspace{name: config.Name, device: wg, bind: bind, logger: logger}
	state, err := u.state()
	if err != nil {
		wg.Close()
		return nil, err
	}
	u.port = state.listenPort
	logger.Info("userspace device up", "listen_port", u.port)
	return u, nil
}

func (u *Userspace) Name() string    { return u.name }
func (u *Userspace) Userspace() bool { return true }

func (u *Userspace) ListenPort() uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.port
}

func (u *Userspace) state() (uapiState, error) {
	text, err := u.device.IpcGet()
	if err != nil {
		return uapiState{}, fmt.Errorf("reading %s state: %w", u.name, err)
	}
	return parseUAPI(text)
}

// Peers returns the device's peers.
func (u *Userspace) Peers(ctx context.Context) ([]Peer, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	state, err := u.state()
	if err != nil {
		return nil, err
	}
	return state.peers, nil
}

// AddPeer creates the peer or replaces its allowed IPs.
func (u *Userspace) AddPeer(ctx context.Context, spec PeerSpec) error {
	if err := u.check(); err != nil {
		return err
	}
	config := newUAPIConfig().peer(spec.PublicKey).
		set("replace_allowed_ips", "true")
	for _, prefix := range spec.AllowedIPs {
		config.set("allowed_ip", prefix.String())
	}
	config.set("persistent_keepalive_interval", fmt.Sprint(int(spec.PersistentKeepalive.Seconds())))
	if spec.Endpoint.IsValid() {
		config.set("endpoint", spec.Endpoint.String())
	}
	if err := u.device.IpcSet(config.String()); err != nil {
		return fmt.Errorf("adding peer %s: %w", spec.PublicKey.Short(), err)
	}
	return nil
}

// SetPeerEndpoint points an existing peer at endpoint.
func (u *Userspace) SetPeerEndpoint(ctx context.Context, peer crypto.Key, endpoint netip.AddrPort) error {
	if err := u.check(); err != nil {
		return err
	}
	if err := u.requirePeer(peer); err != nil {
		return err
	}
	config := newUAPIConfig().peer(peer).
		set("update_only", "true").
		set("endpoint", endpoint.String())
	if err := u.device.IpcSet(config.String()); err != nil {
		return fmt.Errorf("setting endpoint of %s: %w", peer.Short(), err)
	}
	return nil
}

// RemovePeer removes the peer and detaches it from the data plane.
func (u *Userspace) RemovePeer(ctx context.Context, peer crypto.Key) error {
	if err := u.check(); err != nil {
		return err
	}
	if err := u.requirePeer(peer); err != nil {
		return err
	}
	u.bind.detach(peer)
	config := newUAPIConfig().peer(peer).set("remove", "true")
	if err := u.device.IpcSet(config.String()); err != nil {
		return fmt.Errorf("removing peer %s: %w", peer.Short(), err)
	}
	return nil
}

func (u *Userspace) requirePeer(peer crypto.Key) error {
	if u.device.LookupPeer(device.NoisePublicKey(peer)) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Short())
	}
	return nil
}

// AttachPeer implements [DataPlane].
func (u *Userspace) AttachPeer(peer crypto.Key, send SendFunc) (*Attachment, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	return u.bind.attach(peer, send)
}

// DetachPeer implements [DataPlane].
func (u *Userspace) DetachPeer(peer crypto.Key) { u.bind.detach(peer) }

func (u *Userspace) check() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	return nil
}

// Close shuts the device down and removes the TUN interface.
func (u *Userspace) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	u.device.Close()
	return nil
}
