// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pion/stun/v3"
	"golang.org/x/net/bpf"
)

func ipv4UDP(t *testing.T, options []layers.IPv4Option, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 0, 2, 1),
		DstIP:    net.IPv4(198, 51, 100, 2),
		Options:  options,
	}
	udp := layers.UDP{SrcPort: 5000, DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatal(err)
	}
	buffer := gopacket.NewSerializeBuffer()
	serialize := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buffer, serialize, &ip, &udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buffer.Bytes()
}

func TestSTUNFilter(t *testing.T) {
	vm, err := bpf.NewVM(stunProgram(51820))
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	if _, err := stunFilter(51820); err != nil {
		t.Fatalf("stunFilter: %v", err)
	}
	binding := stun.MustBuild(stun.TransactionID, stun.BindingRequest).Raw
	wireguard := make([]byte, 148)
	wireguard[0] = 1
	withOptions := []layers.IPv4Option{{OptionType: 1}, {OptionType: 1}, {OptionType: 1}, {OptionType: 1}}

	tests := []struct {
		name   string
		packet []byte
		accept bool
	}{
		{name: "STUN to the shared port", packet: ipv4UDP(t, nil, 51820, binding), accept: true},
		{name: "STUN behind IP options", packet: ipv4UDP(t, withOptions, 51820, binding), accept: true},
		{name: "WireGuard to the shared port", packet: ipv4UDP(t, nil, 51820, wireguard)},
		{name: "STUN to another port", packet: ipv4UDP(t, nil, 3478, binding)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			accepted, err := vm.Run(test.packet)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := accepted > 0; got != test.accept {
				t.Errorf("accepted %d bytes, want accept=%v", accepted, test.accept)
			}
		})
	}
}
