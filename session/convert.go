// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"net/netip"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/signaling"
)

func candidateToWire(candidate ice.Candidate) *signaling.Candidate {
	wire := &signaling.Candidate{
		Type:       signaling.CandidateType(candidate.Type),
		Network:    candidate.Network,
		Address:    candidate.Addr.Addr().String(),
		Port:       candidate.Addr.Port(),
		Priority:   candidate.Priority,
		Foundation: candidate.Foundation,
	}
	if candidate.Related.IsValid() {
		wire.RelatedAddress = candidate.Related.Addr().String()
		wire.RelatedPort = candidate.Related.Port()
	}
	return wire
}

// candidateFromWire converts a validated wire candidate.
func candidateFromWire(wire *signaling.Candidate) (ice.Candidate, error) {
	address, err := netip.ParseAddr(wire.Address)
	if err != nil {
		return ice.Candidate{}, fmt.Errorf("candidate address: %w", err)
	}
	candidate := ice.Candidate{
		Type:       ice.CandidateType(wire.Type),
		Network:    wire.Network,
		Addr:       netip.AddrPortFrom(address.Unmap(), wire.Port),
		Priority:   wire.Priority,
		Foundation: wire.Foundation,
	}
	if wire.RelatedAddress != "" {
		related, err := netip.ParseAddr(wire.RelatedAddress)
		if err != nil {
			return ice.Candidate{}, fmt.Errorf("candidate related address: %w", err)
		}
		candidate.Related = netip.AddrPortFrom(related, wire.RelatedPort)
	}
	return candidate, nil
}
