// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv4"
)

const udpHeaderLen = 8

// RawConn receives the STUN messages sent to a UDP port owned by
// somebody else, the tunnel, and sends UDP from that port. It sees
// IPv4 only and needs CAP_NET_RAW.
type RawConn struct {
	raw    *ipv4.RawConn
	port   uint16
	logger *slog.Logger

	mu      sync.Mutex
	sources map[netip.Addr]net.IP // source address per destination
}

// ListenRaw opens a raw socket whose kernel filter passes only STUN
// messages addressed to UDP port.
func ListenRaw(port uint16, logger *slog.Logger) (net.PacketConn, error) {
	packetConn, err := net.ListenPacket("ip4:udp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("opening raw socket: %w", err)
	}
	raw, err := ipv4.NewRawConn(packetConn)
	if err != nil {
		packetConn.Close()
		return nil, fmt.Errorf("opening raw socket: %w", err)
	}
	filter, err := stunFilter(port)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if err := raw.SetBPF(filter); err != nil {
		raw.Close()
		return nil, fmt.Errorf("attaching filter to raw socket: %w", err)
	}
	return &RawConn{
		raw:     raw,
		port:    port,
		logger:  logger.With("component", "proxy", "socket", "raw", "port", port),
		sources: make(map[netip.Addr]net.IP),
	}, nil
}

// stunProgram accepts UDP packets for port whose payload carries the
// STUN magic cookie. X holds the IP header length.
func stunProgram(port uint16) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadMemShift{Off: 0},
		bpf.LoadIndirect{Off: 2, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port), SkipFalse: 3},
		bpf.LoadIndirect{Off: udpHeaderLen + 4, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: stunMagicCookie, SkipFalse: 1},
		bpf.RetConstant{Val: 1<<32 - 1},
		bpf.RetConstant{Val: 0},
	}
}

func stunFilter(port uint16) ([]bpf.RawInstruction, error) {
	program, err := bpf.Assemble(stunProgram(port))
	if err != nil {
		return nil, fmt.Errorf("assembling STUN filter: %w", err)
	}
	return program, nil
}

// SharedPort is the UDP port the socket receives on.
func (c *RawConn) SharedPort() uint16 { return c.port }

// ReadFrom returns the UDP payload of the next packet.
func (c *RawConn) ReadFrom(buffer []byte) (int, net.Addr, error) {
	for {
		header, payload, _, err := c.raw.ReadFrom(buffer)
		if err != nil {
			return 0, nil, err
		}
		var udp layers.UDP
		if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			continue
		}
		n := copy(buffer, udp.Payload)
		return n, &net.UDPAddr{IP: header.Src, Port: int(udp.SrcPort)}, nil
	}
}

// WriteTo sends packet to addr from the shared port.
func (c *RawConn) WriteTo(packet []byte, addr net.Addr) (int, error) {
	destination, ok := addr.(*net.UDPAddr)
	if !ok || destination.IP.To4() == nil {
		return 0, fmt.Errorf("raw socket cannot send to %v", addr)
	}
	source, err := c.source(destination.IP.To4())
	if err != nil {
		return 0, err
	}

	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    source,
		DstIP:    destination.IP.To4(),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(c.port),
		DstPort: layers.UDPPort(destination.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return 0, err
	}
	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buffer, options, &ip, &udp, gopacket.Payload(packet)); err != nil {
		return 0, fmt.Errorf("building packet to %s: %w", destination, err)
	}
	if _, err := c.raw.WriteToIP(buffer.Bytes(), &net.IPAddr{IP: destination.IP}); err != nil {
		return 0, err
	}
	return len(packet), nil
}

// source returns the address the kernel would send from to reach
// destination.
func (c *RawConn) source(destination net.IP) (net.IP, error) {
	key, _ := netip.AddrFromSlice(destination)
	c.mu.Lock()
	cached, ok := c.sources[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}
	routes, err := netlink.RouteGet(destination)
	if err != nil {
		return nil, fmt.Errorf("looking up route to %s: %w", destination, err)
	}
	if len(routes) == 0 || routes[0].Src == nil {
		return nil, fmt.Errorf("no source address for %s", destination)
	}
	c.mu.Lock()
	c.sources[key] = routes[0].Src
	c.mu.Unlock()
	return routes[0].Src, nil
}

// LocalAddr is the wildcard address on the shared port, so candidate
// gathering advertises the tunnel's port.
func (c *RawConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: int(c.port)}
}

func (c *RawConn) Close() error {
	c.logger.Debug("closing raw socket")
	return c.raw.Close()
}

func (c *RawConn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *RawConn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *RawConn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

var _ portSharer = (*RawConn)(nil)
