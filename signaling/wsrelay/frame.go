// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wsrelay is a signaling backend that forwards envelopes
// through a WebSocket relay server. Clients announce the identities
// they subscribe for; the server forwards each envelope to the
// connections currently subscribed for its recipient and drops it if
// there are none. The server never stores envelopes and cannot read
// them.
//
// Frames are binary WebSocket messages holding one integer-keyed CBOR
// map:
//
//	{1: type, 2: key, 3: envelope}
//
// where type is "subscribe", "unsubscribe", or "envelope". Key is the
// 32-byte identity for subscribe and unsubscribe; envelope holds an
// encoded signaling envelope.
package wsrelay

import (
	"fmt"

	"github.com/bureau-foundation/wiremesh/lib/codec"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/signaling"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameEnvelope    = "envelope"
)

// maxFrameBytes bounds a frame read from a peer of the relay.
const maxFrameBytes = 64 << 10

type frame struct {
	Type     string `cbor:"1,keyasint"`
	Key      []byte `cbor:"2,keyasint,omitempty"`
	Envelope []byte `cbor:"3,keyasint,omitempty"`
}

func subscriptionFrame(kind string, key crypto.Key) ([]byte, error) {
	return codec.Marshal(frame{Type: kind, Key: key[:]})
}

func envelopeFrame(envelope *signaling.Envelope) ([]byte, error) {
	data, err := signaling.MarshalEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(frame{Type: frameEnvelope, Envelope: data})
}

func decodeFrame(data []byte) (frame, error) {
	var decoded frame
	if err := codec.Unmarshal(data, &decoded); err != nil {
		return frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	switch decoded.Type {
	case frameSubscribe, frameUnsubscribe:
		if len(decoded.Key) != crypto.KeyLength {
			return frame{}, fmt.Errorf("%s frame carries a %d-byte key", decoded.Type, len(decoded.Key))
		}
	case frameEnvelope:
		if len(decoded.Envelope) == 0 {
			return frame{}, fmt.Errorf("empty envelope frame")
		}
	default:
		return frame{}, fmt.Errorf("unknown frame type %q", decoded.Type)
	}
	return decoded, nil
}
