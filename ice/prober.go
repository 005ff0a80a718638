// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/pion/stun/v3"

	"github.com/bureau-foundation/wiremesh/lib/clock"
)

// ErrCheckRejected is returned when the remote answers a check with a
// STUN error response or a response that fails integrity checking.
var ErrCheckRejected = errors.New("ice: connectivity check rejected")

// ProbeRequest describes one connectivity check.
type ProbeRequest struct {
	Pair *CandidatePair

	Local  Credentials
	Remote Credentials

	Controlling bool
	TieBreaker  uint64
}

// Prober runs connectivity checks. Implementations must be safe for
// concurrent use.
type Prober interface {
	// Probe sends a check over the pair and returns its round-trip
	// time. It gives up when ctx ends.
	Probe(ctx context.Context, request ProbeRequest) (time.Duration, error)

	// Accept answers checks addressed to local until release is
	// called.
	Accept(local Credentials) (release func())
}

// STUNProber checks pairs with STUN binding requests over a Mux.
type STUNProber struct {
	mux   *Mux
	clock clock.Clock
}

var _ Prober = (*STUNProber)(nil)

// NewSTUNProber returns a prober sending through mux.
func NewSTUNProber(mux *Mux, clk clock.Clock) *STUNProber {
	return &STUNProber{mux: mux, clock: clk}
}

func (p *STUNProber) Accept(local Credentials) func() {
	return p.mux.Register(local)
}

func (p *STUNProber) Probe(ctx context.Context, request ProbeRequest) (time.Duration, error) {
	pair := request.Pair
	if pair.Local.base == nil {
		return 0, fmt.Errorf("local candidate %s has no base socket", pair.Local)
	}

	// A successful check may reveal a peer-reflexive address; its
	// priority is what the request advertises.
	prflxPriority := CandidatePriority(CandidateTypePeerReflexive, uint16(pair.Local.Priority>>8))
	setters := []stun.Setter{
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(request.Remote.Ufrag + ":" + request.Local.Ufrag),
		uint32Attribute{stun.AttrPriority, prflxPriority},
	}
	if request.Controlling {
		setters = append(setters, uint64Attribute{stun.AttrICEControlling, request.TieBreaker})
	} else {
		setters = append(setters, uint64Attribute{stun.AttrICEControlled, request.TieBreaker})
	}
	integrity := stun.NewShortTermIntegrity(request.Remote.Pwd)
	setters = append(setters, integrity, stun.Fingerprint)

	message, err := stun.Build(setters...)
	if err != nil {
		return 0, fmt.Errorf("building check: %w", err)
	}

	started := p.clock.Now()
	response, err := p.mux.Request(ctx, pair.Local.base, pair.Remote.Addr, message)
	if err != nil {
		return 0, err
	}
	if response.Type != stun.BindingSuccess {
		return 0, fmt.Errorf("%w: %s from %s", ErrCheckRejected, response.Type, pair.Remote.Addr)
	}
	if err := integrity.Check(response); err != nil {
		return 0, fmt.Errorf("%w: response integrity: %v", ErrCheckRejected, err)
	}
	return p.clock.Now().Sub(started), nil
}

type uint32Attribute struct {
	attribute stun.AttrType
	value     uint32
}

func (a uint32Attribute) AddTo(message *stun.Message) error {
	encoded := make([]byte, 4)
	binary.BigEndian.PutUint32(encoded, a.value)
	message.Add(a.attribute, encoded)
	return nil
}

type uint64Attribute struct {
	attribute stun.AttrType
	value     uint64
}

func (a uint64Attribute) AddTo(message *stun.Message) error {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, a.value)
	message.Add(a.attribute, encoded)
	return nil
}
