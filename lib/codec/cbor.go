// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by every wiremesh
// wire format: signaling envelopes and messages, WebSocket relay
// frames, and the control socket protocol.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same value always produces the same bytes. Two independent
// implementations agree byte-for-byte as long as they use integer map
// keys (`cbor:"N,keyasint"`) and the same field numbering.
//
// Decoding ignores unknown fields so that newer peers can add fields
// without breaking older ones, and rejects duplicate map keys so that
// an attacker cannot smuggle two values for one field past a
// signature or integrity check.
package codec

import (
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

// maxMessageBytes bounds byte strings and arrays in decoded input. No
// wiremesh message comes close; the limit exists to stop a malicious
// length prefix from forcing a huge allocation.
const maxMessageBytes = 1 << 20

var errTooLarge = errors.New("codec: input exceeds 1 MiB")

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: building CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
		MaxNestedLevels:  16,
		IndefLength:      cbor.IndefLengthForbidden,
		UTF8:             cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic("codec: building CBOR decoder: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Input larger than one megabyte is
// rejected before decoding.
func Unmarshal(data []byte, v any) error {
	if len(data) > maxMessageBytes {
		return errTooLarge
	}
	return decMode.Unmarshal(data, v)
}

// Encoder writes a stream of CBOR items.
type Encoder = cbor.Encoder

// Decoder reads a stream of CBOR items.
type Decoder = cbor.Decoder

// RawMessage is an encoded CBOR item whose decoding is deferred.
type RawMessage = cbor.RawMessage

// NewEncoder returns a deterministic stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
