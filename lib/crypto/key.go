// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto defines the Curve25519 keys that identify wiremesh
// peers. The same keys are the WireGuard interface keys: a peer's
// signaling address is its WireGuard public key.
package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
)

// KeyLength is the size of a Curve25519 key in bytes.
const KeyLength = 32

// Key is a Curve25519 public or private key. The text form is
// standard base64, the format used by wg(8).
type Key [KeyLength]byte

// GeneratePrivateKey returns a new clamped Curve25519 private key.
func GeneratePrivateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, fmt.Errorf("reading random bytes: %w", err)
	}
	key[0] &= 248
	key[31] = (key[31] & 127) | 64
	return key, nil
}

// ParseKey decodes a base64 key.
func ParseKey(text string) (Key, error) {
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return Key{}, fmt.Errorf("decoding key: %w", err)
	}
	return KeyFromBytes(decoded)
}

// KeyFromBytes copies a 32-byte slice into a Key.
func KeyFromBytes(raw []byte) (Key, error) {
	if len(raw) != KeyLength {
		return Key{}, fmt.Errorf("key is %d bytes, want %d", len(raw), KeyLength)
	}
	var key Key
	copy(key[:], raw)
	return key, nil
}

// PublicKey derives the public key for private key k.
func (k Key) PublicKey() Key {
	var public Key
	curve25519.ScalarBaseMult((*[KeyLength]byte)(&public), (*[KeyLength]byte)(&k))
	return public
}

// String returns the base64 form.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Hex returns the lowercase hex form used by the WireGuard UAPI.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first eight base64 characters, for log lines.
func (k Key) Short() string {
	return k.String()[:8]
}

// IsZero reports whether k is all zeroes.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Compare orders keys bytewise.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Fingerprint returns a short BLAKE3 digest of the key for display
// in status output, where full keys are too wide.
func (k Key) Fingerprint() string {
	sum := blake3.Sum256(k[:])
	return hex.EncodeToString(sum[:6])
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// KeyPair is the local node's identity. The private half never
// leaves the process.
type KeyPair struct {
	Private Key
	Public  Key
}

// NewKeyPair builds a KeyPair from a private key.
func NewKeyPair(private Key) KeyPair {
	return KeyPair{Private: private, Public: private.PublicKey()}
}

// GenerateKeyPair creates a fresh identity.
func GenerateKeyPair() (KeyPair, error) {
	private, err := GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, err
	}
	return NewKeyPair(private), nil
}
