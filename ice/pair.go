// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"fmt"
	"time"
)

// PairState is the check state of a candidate pair.
type PairState uint8

const (
	PairWaiting PairState = iota
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Reachability classifies the path a pair takes.
type Reachability uint8

const (
	// ReachabilityDirect pairs exchange packets without a relay.
	ReachabilityDirect Reachability = iota
	// ReachabilityRelayed pairs go through one TURN relay.
	ReachabilityRelayed
	// ReachabilityRelayedBoth pairs go through a relay on each side.
	ReachabilityRelayedBoth
)

func (r Reachability) String() string {
	switch r {
	case ReachabilityDirect:
		return "direct"
	case ReachabilityRelayed:
		return "relayed"
	case ReachabilityRelayedBoth:
		return "relayed-both"
	default:
		return "unknown"
	}
}

// CandidatePair is a local candidate matched with a remote one.
type CandidatePair struct {
	Local    Candidate
	Remote   Candidate
	Priority uint64
	State    PairState

	// Order is the position the pair was formed in. It only separates
	// pairs that tie on priority and on both addresses.
	Order int

	// Controlling records the local role the pair was formed with.
	Controlling bool

	// RTT is the round-trip time of the last successful check.
	RTT time.Duration
}

// NewPair forms a pair, computing its priority from the local role.
func NewPair(local, remote Candidate, controlling bool, order int) *CandidatePair {
	return &CandidatePair{
		Local:    local,
		Remote:   remote,
		Priority: PairPriority(controlling, local.Priority, remote.Priority),
		State:    PairWaiting,
		Order:    order,

		Controlling: controlling,
	}
}

// Key identifies the pair.
func (p *CandidatePair) Key() string {
	return p.Local.Key() + "|" + p.Remote.Key()
}

// Reachability classifies the pair by its relay use.
func (p *CandidatePair) Reachability() Reachability {
	localRelay := p.Local.Type == CandidateTypeRelay
	remoteRelay := p.Remote.Type == CandidateTypeRelay
	switch {
	case localRelay && remoteRelay:
		return ReachabilityRelayedBoth
	case localRelay || remoteRelay:
		return ReachabilityRelayed
	default:
		return ReachabilityDirect
	}
}

// Better reports whether p ranks above other. Higher priority wins.
// Ties go to the lower controlling-side address, then the lower
// controlled-side address, so both peers rank a tied pair the same
// way whatever order its candidates arrived in.
func (p *CandidatePair) Better(other *CandidatePair) bool {
	if p.Priority != other.Priority {
		return p.Priority > other.Priority
	}
	pg, pd := p.roles()
	og, od := other.roles()
	if c := compareCandidates(pg, og); c != 0 {
		return c < 0
	}
	if c := compareCandidates(pd, od); c != 0 {
		return c < 0
	}
	return p.Order < other.Order
}

// roles returns the controlling side's candidate and the controlled
// side's candidate.
func (p *CandidatePair) roles() (g, d Candidate) {
	if p.Controlling {
		return p.Local, p.Remote
	}
	return p.Remote, p.Local
}

func compareCandidates(a, b Candidate) int {
	if c := a.Addr.Compare(b.Addr); c != 0 {
		return c
	}
	return int(a.Type) - int(b.Type)
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("%s <-> %s", p.Local.Addr, p.Remote.Addr)
}

// PairPriority is the pair priority of RFC 8445 section 6.1.2.3, where
// G is the controlling agent's candidate priority and D the
// controlled agent's. Both agents compute the same value for a pair.
func PairPriority(controlling bool, local, remote uint32) uint64 {
	g, d := uint64(remote), uint64(local)
	if controlling {
		g, d = uint64(local), uint64(remote)
	}
	priority := (1<<32)*min(g, d) + 2*max(g, d)
	if g > d {
		priority++
	}
	return priority
}
