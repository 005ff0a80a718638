// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/bureau-foundation/wiremesh/lib/codec"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// WireVersion is the envelope format version this package produces
// and accepts.
const WireVersion = 1

const nonceLength = 24

var (
	// ErrEncode reports that a message could not be serialized.
	ErrEncode = errors.New("signaling: encode failed")

	// ErrDecode reports a malformed envelope or plaintext.
	ErrDecode = errors.New("signaling: malformed message")

	// ErrAuthentication reports an envelope that did not decrypt and
	// authenticate for the local key. Every cause (wrong recipient,
	// tampered ciphertext, forged sender) yields this same error.
	ErrAuthentication = errors.New("signaling: envelope failed authentication")
)

// Envelope is an encrypted message addressed to one peer. The
// ciphertext is a NaCl box: XSalsa20-Poly1305 keyed by the
// Curve25519 agreement between sender and recipient, so only the
// recipient can open it and only the sender could have produced it.
type Envelope struct {
	Version    uint8  `cbor:"1,keyasint"`
	Recipient  []byte `cbor:"2,keyasint"`
	Sender     []byte `cbor:"3,keyasint"`
	Nonce      []byte `cbor:"4,keyasint"`
	Ciphertext []byte `cbor:"5,keyasint"`
}

// RecipientKey returns the recipient as a Key. The second result is
// false when the field has the wrong length.
func (e *Envelope) RecipientKey() (crypto.Key, bool) {
	key, err := crypto.KeyFromBytes(e.Recipient)
	return key, err == nil
}

// SenderKey returns the claimed sender. The claim is only proven by a
// successful Open.
func (e *Envelope) SenderKey() (crypto.Key, bool) {
	key, err := crypto.KeyFromBytes(e.Sender)
	return key, err == nil
}

// Seal encrypts message from sender to recipient.
func Seal(recipient crypto.Key, sender crypto.KeyPair, message *Message) (*Envelope, error) {
	plaintext, err := codec.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", ErrEncode, err)
	}

	recipientKey := [crypto.KeyLength]byte(recipient)
	senderKey := [crypto.KeyLength]byte(sender.Private)
	ciphertext := box.Seal(nil, plaintext, &nonce, &recipientKey, &senderKey)
	clear(plaintext)

	return &Envelope{
		Version:    WireVersion,
		Recipient:  recipient[:],
		Sender:     sender.Public[:],
		Nonce:      nonce[:],
		Ciphertext: ciphertext,
	}, nil
}

// Open authenticates and decrypts envelope with the local key pair,
// returning the proven sender and the message.
func Open(envelope *Envelope, local crypto.KeyPair) (crypto.Key, *Message, error) {
	if envelope.Version != WireVersion {
		return crypto.Key{}, nil, fmt.Errorf("%w: envelope version %d", ErrDecode, envelope.Version)
	}
	sender, senderOK := envelope.SenderKey()
	if !senderOK || len(envelope.Nonce) != nonceLength || len(envelope.Recipient) != crypto.KeyLength {
		return crypto.Key{}, nil, fmt.Errorf("%w: bad envelope field length", ErrDecode)
	}

	// A wrong recipient takes the same path as a failed box.Open so
	// the two cannot be told apart by the error or by skipping the
	// decryption work.
	recipientMatches := subtle.ConstantTimeCompare(envelope.Recipient, local.Public[:]) == 1

	var nonce [nonceLength]byte
	copy(nonce[:], envelope.Nonce)
	senderKey := [crypto.KeyLength]byte(sender)
	privateKey := [crypto.KeyLength]byte(local.Private)
	plaintext, opened := box.Open(nil, envelope.Ciphertext, &nonce, &senderKey, &privateKey)
	if !opened || !recipientMatches {
		return crypto.Key{}, nil, ErrAuthentication
	}
	defer clear(plaintext)

	var message Message
	if err := codec.Unmarshal(plaintext, &message); err != nil {
		return crypto.Key{}, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := message.Validate(); err != nil {
		return crypto.Key{}, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return sender, &message, nil
}

// MarshalEnvelope encodes envelope for transmission.
func MarshalEnvelope(envelope *Envelope) ([]byte, error) {
	data, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes an envelope received from a backend.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, ok := envelope.RecipientKey(); !ok {
		return nil, fmt.Errorf("%w: recipient is %d bytes", ErrDecode, len(envelope.Recipient))
	}
	return &envelope, nil
}
