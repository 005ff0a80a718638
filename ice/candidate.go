// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ice discovers the local transport addresses a peer can be
// reached at and checks which pairs of local and remote addresses
// actually carry traffic. It implements the parts of ICE (RFC 8445)
// the session engine needs: candidate priorities and foundations,
// STUN connectivity checks with short-term credentials, and a socket
// multiplexer shared by every session. It does not implement
// nomination, aggressive or otherwise, or TCP candidates.
package ice

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"

	"github.com/zeebo/blake3"
)

// CandidateType ranks how a candidate was obtained.
type CandidateType uint8

const (
	CandidateTypeHost CandidateType = iota + 1
	CandidateTypeServerReflexive
	CandidateTypePeerReflexive
	CandidateTypeRelay
)

func (t CandidateType) String() string {
	switch t {
	case CandidateTypeHost:
		return "host"
	case CandidateTypeServerReflexive:
		return "srflx"
	case CandidateTypePeerReflexive:
		return "prflx"
	case CandidateTypeRelay:
		return "relay"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// preference is the type preference of RFC 8445 section 5.1.2.2.
func (t CandidateType) preference() uint32 {
	switch t {
	case CandidateTypeHost:
		return 126
	case CandidateTypePeerReflexive:
		return 110
	case CandidateTypeServerReflexive:
		return 100
	default:
		return 0
	}
}

// Candidate is a transport address a peer might be reached at.
type Candidate struct {
	Type    CandidateType
	Network string
	Addr    netip.AddrPort

	Priority   uint32
	Foundation string

	// Related is the base of a reflexive candidate or the mapped
	// address of a relay candidate. It is informational.
	Related netip.AddrPort

	// base is the socket local candidates send from. It is nil for
	// remote candidates.
	base net.PacketConn
}

// Base returns the socket checks and data for a local candidate are
// sent from, or nil for a remote candidate.
func (c Candidate) Base() net.PacketConn { return c.base }

// Key identifies a candidate for duplicate suppression: two
// candidates with equal keys describe the same transport address.
func (c Candidate) Key() string {
	return fmt.Sprintf("%s/%s/%s", c.Type, c.Network, c.Addr)
}

func (c Candidate) String() string {
	if c.Related.IsValid() {
		return fmt.Sprintf("%s %s %s (related %s)", c.Type, c.Network, c.Addr, c.Related)
	}
	return fmt.Sprintf("%s %s %s", c.Type, c.Network, c.Addr)
}

// Equal reports whether c and other describe the same transport
// address with the same type.
func (c Candidate) Equal(other Candidate) bool {
	return c.Type == other.Type && c.Network == other.Network && c.Addr == other.Addr
}

// CandidatePriority computes the priority of RFC 8445 section 5.1.2.1
// for a component-1 candidate. localPreference distinguishes
// candidates of the same type; higher is better.
func CandidatePriority(candidateType CandidateType, localPreference uint16) uint32 {
	return candidateType.preference()<<24 | uint32(localPreference)<<8 | (256 - 1)
}

// Foundation groups candidates of the same type obtained from the same
// base through the same server, as in RFC 8445 section 5.1.1.3.
func Foundation(candidateType CandidateType, network string, base netip.Addr, server string) string {
	hasher := blake3.New()
	fmt.Fprintf(hasher, "%d|%s|%s|%s", candidateType, network, base, server)
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:4])
}

// NetworkOf returns "udp4" or "udp6" for addr.
func NetworkOf(addr netip.Addr) string {
	if addr.Unmap().Is4() {
		return "udp4"
	}
	return "udp6"
}

// NewLocalCandidate builds a local candidate sending from base.
func NewLocalCandidate(candidateType CandidateType, addr, related netip.AddrPort, localPreference uint16, server string, base net.PacketConn) Candidate {
	baseAddr := addr.Addr()
	if related.IsValid() && candidateType != CandidateTypeRelay {
		baseAddr = related.Addr()
	}
	network := NetworkOf(addr.Addr())
	return Candidate{
		Type:       candidateType,
		Network:    network,
		Addr:       addr,
		Priority:   CandidatePriority(candidateType, localPreference),
		Foundation: Foundation(candidateType, network, baseAddr, server),
		Related:    related,
		base:       base,
	}
}
