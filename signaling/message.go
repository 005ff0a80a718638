// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling carries session negotiation messages between
// peers. It defines the message schema, the envelope that encrypts a
// message for exactly one recipient, and the Backend contract that
// every delivery mechanism implements.
//
// Delivery is deliberately weak: backends may drop, duplicate, and
// reorder envelopes, and never store them. The session engine makes up
// for this with retransmission and generation numbers.
//
// # Wire format
//
// Envelopes and messages are integer-keyed CBOR maps encoded with Core
// Deterministic Encoding (see lib/codec). Field numbers are part of
// the protocol and must never be reused.
//
//	Envelope        {1: version, 2: recipient, 3: sender, 4: nonce, 5: ciphertext}
//	Message         {1: generation, 2: Credentials | 3: Candidate | 4: CandidatesDone}
//	Credentials     {1: ufrag, 2: pwd, 3: need_credentials}
//	Candidate       {1: type, 2: network, 3: address, 4: port, 5: priority,
//	                 6: foundation, 7: related_address, 8: related_port}
//	CandidatesDone  {}
package signaling

import (
	"fmt"
	"net/netip"
)

// Message is the plaintext of an envelope. Exactly one of the variant
// fields is set.
type Message struct {
	// Generation identifies the sender's negotiation attempt. It
	// increases every time the sender restarts its session with the
	// recipient, and lets the recipient discard stale messages.
	Generation uint64 `cbor:"1,keyasint"`

	Credentials    *Credentials    `cbor:"2,keyasint,omitempty"`
	Candidate      *Candidate      `cbor:"3,keyasint,omitempty"`
	CandidatesDone *CandidatesDone `cbor:"4,keyasint,omitempty"`
}

// Credentials carries the sender's ICE username fragment and
// password for the current generation.
type Credentials struct {
	Ufrag string `cbor:"1,keyasint"`
	Pwd   string `cbor:"2,keyasint"`

	// NeedCredentials asks the recipient to answer with its own
	// credentials even if it has sent them before.
	NeedCredentials bool `cbor:"3,keyasint,omitempty"`
}

// CandidateType is the wire encoding of an ICE candidate type.
type CandidateType uint8

const (
	CandidateTypeHost            CandidateType = 1
	CandidateTypeServerReflexive CandidateType = 2
	CandidateTypePeerReflexive   CandidateType = 3
	CandidateTypeRelay           CandidateType = 4
)

// Candidate is one transport address of the sender.
type Candidate struct {
	Type           CandidateType `cbor:"1,keyasint"`
	Network        string        `cbor:"2,keyasint"`
	Address        string        `cbor:"3,keyasint"`
	Port           uint16        `cbor:"4,keyasint"`
	Priority       uint32        `cbor:"5,keyasint"`
	Foundation     string        `cbor:"6,keyasint,omitempty"`
	RelatedAddress string        `cbor:"7,keyasint,omitempty"`
	RelatedPort    uint16        `cbor:"8,keyasint,omitempty"`
}

// CandidatesDone tells the recipient that the sender has finished
// gathering for this generation. Candidates may still arrive after it.
type CandidatesDone struct{}

// Minimum credential lengths from RFC 8445 section 5.3.
const (
	minUfragLength = 4
	minPwdLength   = 22
	maxFieldLength = 256
)

// Kind names the variant carried by m, for logging.
func (m *Message) Kind() string {
	switch {
	case m.Credentials != nil:
		return "credentials"
	case m.Candidate != nil:
		return "candidate"
	case m.CandidatesDone != nil:
		return "candidates_done"
	}
	return "empty"
}

// Validate checks that m carries exactly one well-formed variant.
func (m *Message) Validate() error {
	variants := 0
	if m.Credentials != nil {
		variants++
	}
	if m.Candidate != nil {
		variants++
	}
	if m.CandidatesDone != nil {
		variants++
	}
	if variants != 1 {
		return fmt.Errorf("message carries %d variants, want exactly 1", variants)
	}
	if m.Credentials != nil {
		return m.Credentials.validate()
	}
	if m.Candidate != nil {
		return m.Candidate.validate()
	}
	return nil
}

func (c *Credentials) validate() error {
	if len(c.Ufrag) < minUfragLength || len(c.Ufrag) > maxFieldLength {
		return fmt.Errorf("ufrag length %d out of range", len(c.Ufrag))
	}
	if len(c.Pwd) < minPwdLength || len(c.Pwd) > maxFieldLength {
		return fmt.Errorf("pwd length %d out of range", len(c.Pwd))
	}
	return nil
}

func (c *Candidate) validate() error {
	if c.Type < CandidateTypeHost || c.Type > CandidateTypeRelay {
		return fmt.Errorf("unknown candidate type %d", c.Type)
	}
	if c.Network != "udp4" && c.Network != "udp6" {
		return fmt.Errorf("unknown candidate network %q", c.Network)
	}
	address, err := netip.ParseAddr(c.Address)
	if err != nil {
		return fmt.Errorf("candidate address: %w", err)
	}
	if address.Is4() != (c.Network == "udp4") {
		return fmt.Errorf("candidate address %s does not match network %s", address, c.Network)
	}
	if c.Port == 0 {
		return fmt.Errorf("candidate port is zero")
	}
	if len(c.Foundation) > maxFieldLength {
		return fmt.Errorf("candidate foundation too long")
	}
	if c.RelatedAddress != "" {
		if _, err := netip.ParseAddr(c.RelatedAddress); err != nil {
			return fmt.Errorf("candidate related address: %w", err)
		}
	}
	return nil
}

// AddrPort returns the candidate's transport address.
func (c *Candidate) AddrPort() netip.AddrPort {
	address, _ := netip.ParseAddr(c.Address)
	return netip.AddrPortFrom(address, c.Port)
}
