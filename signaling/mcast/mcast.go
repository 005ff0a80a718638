// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcast is a signaling backend for peers on the same link. All
// envelopes are sent to one IPv4 multicast group; every member
// receives every envelope and keeps those addressed to its
// subscriptions. There is no server and nothing is stored.
package mcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/netutil"
	"github.com/bureau-foundation/wiremesh/signaling"
)

// DefaultGroup is the group joined when the URL names none.
const DefaultGroup = "239.19.48.84:4884"

// maxDatagram bounds a received envelope. Signaling messages are a few
// hundred bytes; anything near this size is not ours.
const maxDatagram = 4096

// Options configures a Backend.
type Options struct {
	// Group is the multicast group address as host:port.
	Group string

	// Interface restricts the group membership to one interface. Nil
	// joins on every multicast-capable interface that is up.
	Interface *net.Interface

	// Loopback delivers the backend's own datagrams back to this
	// host, so several agents on one machine can talk to each other.
	Loopback bool

	Logger *slog.Logger
}

// Backend is a multicast signaling backend.
type Backend struct {
	group      *net.UDPAddr
	conn       *ipv4.PacketConn
	raw        net.PacketConn
	dispatcher signaling.Dispatcher
	logger     *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

var _ signaling.Backend = (*Backend)(nil)

// Listen joins the group and starts receiving.
func Listen(ctx context.Context, options Options) (*Backend, error) {
	if options.Group == "" {
		options.Group = DefaultGroup
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	group, err := net.ResolveUDPAddr("udp4", options.Group)
	if err != nil {
		return nil, fmt.Errorf("resolving multicast group %q: %w", options.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group.IP)
	}

	config := net.ListenConfig{Control: reuseControl}
	raw, err := config.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("listening on multicast port %d: %w", group.Port, err)
	}

	conn := ipv4.NewPacketConn(raw)
	joined, err := joinGroup(conn, group, options.Interface)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if err := conn.SetMulticastLoopback(options.Loopback); err != nil {
		raw.Close()
		return nil, fmt.Errorf("setting multicast loopback: %w", err)
	}
	if err := conn.SetMulticastTTL(1); err != nil {
		raw.Close()
		return nil, fmt.Errorf("setting multicast TTL: %w", err)
	}
	if options.Interface != nil {
		if err := conn.SetMulticastInterface(options.Interface); err != nil {
			raw.Close()
			return nil, fmt.Errorf("setting multicast interface %s: %w", options.Interface.Name, err)
		}
	}

	backend := &Backend{
		group:  group,
		conn:   conn,
		raw:    raw,
		logger: options.Logger.With("component", "signaling-mcast", "group", group.String()),
		done:   make(chan struct{}),
	}
	backend.logger.Info("joined multicast group", "interfaces", joined)
	go backend.receive()
	return backend, nil
}

func joinGroup(conn *ipv4.PacketConn, group *net.UDPAddr, only *net.Interface) ([]string, error) {
	if only != nil {
		if err := conn.JoinGroup(only, &net.UDPAddr{IP: group.IP}); err != nil {
			return nil, fmt.Errorf("joining %s on %s: %w", group.IP, only.Name, err)
		}
		return []string{only.Name}, nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	var joined []string
	var errs []error
	for index := range interfaces {
		candidate := &interfaces[index]
		if candidate.Flags&net.FlagUp == 0 || candidate.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := conn.JoinGroup(candidate, &net.UDPAddr{IP: group.IP}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", candidate.Name, err))
			continue
		}
		joined = append(joined, candidate.Name)
	}
	if len(joined) == 0 {
		return nil, fmt.Errorf("joining %s on any interface: %w", group.IP, errors.Join(errs...))
	}
	return joined, nil
}

func (b *Backend) receive() {
	buffer := make([]byte, maxDatagram)
	for {
		n, _, source, err := b.conn.ReadFrom(buffer)
		if err != nil {
			if netutil.IsExpectedCloseError(err) {
				return
			}
			select {
			case <-b.done:
				return
			default:
			}
			b.logger.Warn("multicast read failed", "error", err)
			continue
		}
		envelope, err := signaling.UnmarshalEnvelope(buffer[:n])
		if err != nil {
			b.logger.Debug("ignoring non-envelope datagram", "source", source, "error", err)
			continue
		}
		b.dispatcher.Dispatch(envelope)
	}
}

func (b *Backend) Kind() signaling.Kind { return signaling.KindMulticast }

// Group returns the joined group address.
func (b *Backend) Group() *net.UDPAddr { return b.group }

func (b *Backend) Publish(ctx context.Context, _ crypto.Key, envelope *signaling.Envelope) error {
	select {
	case <-b.done:
		return net.ErrClosed
	default:
	}
	data, err := signaling.MarshalEnvelope(envelope)
	if err != nil {
		return err
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("%w: %d byte envelope exceeds multicast datagram limit", signaling.ErrEncode, len(data))
	}
	if deadline, ok := ctx.Deadline(); ok {
		b.raw.SetWriteDeadline(deadline)
	}
	if _, err := b.conn.WriteTo(data, nil, b.group); err != nil {
		return fmt.Errorf("sending to %s: %w", b.group, err)
	}
	return nil
}

func (b *Backend) Subscribe(self crypto.Key, handler signaling.EnvelopeHandler) (*signaling.Subscription, error) {
	subscription, _ := b.dispatcher.Add(self, handler)
	return subscription, nil
}

func (b *Backend) Unsubscribe(subscription *signaling.Subscription) error {
	b.dispatcher.Remove(subscription)
	return nil
}

// Close leaves the group and stops receiving.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.raw.Close()
	})
	return err
}
