// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tunnel adapts WireGuard-compatible devices to the operations
// the session engine needs: learning the listen port, pointing a peer
// at an endpoint, and removing a peer.
//
// Four drivers implement [Device]:
//
//   - [Kernel] controls a Linux kernel interface through wgctrl.
//   - [WGCommand] drives any implementation that wg(8) can configure.
//   - [Userspace] runs wireguard-go in-process on a TUN interface.
//   - [Memory] keeps peers in memory and moves no packets. Tests and
//     dry runs use it.
//
// Userspace and Memory also implement [DataPlane], which lets the
// splicer hand tunnel packets to and from a negotiated path without a
// kernel socket in between.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/command"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

var (
	// ErrUnknownPeer is returned for a peer the device does not have.
	ErrUnknownPeer = errors.New("tunnel: unknown peer")

	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("tunnel: device closed")
)

// Device is a WireGuard interface.
type Device interface {
	Name() string

	// ListenPort is the UDP port the device sends and receives on.
	ListenPort() uint16

	// Userspace reports whether packets pass through this process.
	Userspace() bool

	Peers(ctx context.Context) ([]Peer, error)
	AddPeer(ctx context.Context, spec PeerSpec) error
	SetPeerEndpoint(ctx context.Context, peer crypto.Key, endpoint netip.AddrPort) error
	RemovePeer(ctx context.Context, peer crypto.Key) error
	Close() error
}

// Peer is the device's view of one peer.
type Peer struct {
	PublicKey           crypto.Key
	Endpoint            netip.AddrPort
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration
	LastHandshake       time.Time
	ReceiveBytes        int64
	TransmitBytes       int64
}

// PeerSpec declares a peer. A zero Endpoint leaves the endpoint unset
// until a session negotiates one.
type PeerSpec struct {
	PublicKey           crypto.Key
	Endpoint            netip.AddrPort
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration
}

// SendFunc transmits one tunnel packet to the remote peer.
type SendFunc func(packet []byte) error

// Attachment is a peer handed over to the splicer. The device sends
// the peer's packets through the SendFunc given to AttachPeer once the
// peer's endpoint is set to Endpoint; packets from the peer are fed
// back with Deliver.
type Attachment struct {
	Endpoint netip.AddrPort
	Deliver  func(packet []byte)
}

// DataPlane is implemented by devices whose packets pass through this
// process.
type DataPlane interface {
	AttachPeer(peer crypto.Key, send SendFunc) (*Attachment, error)
	DetachPeer(peer crypto.Key)
}

// Options select and configure a driver for [Open].
type Options struct {
	// Driver is "kernel", "command", "userspace" or "memory".
	Driver string

	// Name is the interface name.
	Name string

	// PrivateKey and ListenPort configure devices this process
	// creates (userspace, memory). Kernel and command drivers read
	// them from the existing interface.
	PrivateKey crypto.Key
	ListenPort uint16

	// MTU of the TUN interface created by the userspace driver.
	MTU int

	// WGPath and Runner are used by the command driver.
	WGPath string
	Runner command.Runner
}

// Open returns the device selected by options.Driver.
func Open(ctx context.Context, options Options, logger *slog.Logger) (Device, error) {
	var device Device
	var err error
	switch options.Driver {
	case "kernel":
		device, err = nonNil(OpenKernel(options.Name, logger))
	case "command":
		runner := options.Runner
		if runner == nil {
			runner = command.Exec{}
		}
		device, err = nonNil(OpenWGCommand(ctx, options.Name, options.WGPath, runner, logger))
	case "userspace":
		device, err = nonNil(OpenUserspace(UserspaceConfig{
			Name:       options.Name,
			MTU:        options.MTU,
			PrivateKey: options.PrivateKey,
			ListenPort: options.ListenPort,
		}, logger))
	case "memory":
		device = NewMemory(options.Name, options.ListenPort)
	default:
		err = fmt.Errorf("tunnel: unknown driver %q", options.Driver)
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// nonNil keeps a failed constructor's nil pointer out of the Device
// interface.
func nonNil[D Device](device D, err error) (Device, error) {
	if err != nil {
		return nil, err
	}
	return device, nil
}

var (
	_ Device    = (*Kernel)(nil)
	_ Device    = (*WGCommand)(nil)
	_ Device    = (*Userspace)(nil)
	_ Device    = (*Memory)(nil)
	_ DataPlane = (*Userspace)(nil)
	_ DataPlane = (*Memory)(nil)
)
