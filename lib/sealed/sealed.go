// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed stores the WireGuard private key at rest encrypted
// with age, so that a configuration directory can be backed up or
// synced without exposing the node identity.
//
// A sealed key file is an ASCII-armored age file whose plaintext is
// the base64 private key. Plain key files (base64 text, as written by
// `wg genkey`) are accepted too.
package sealed

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// Seal encrypts key to the given age recipients (age1... strings) and
// returns an armored file body.
func Seal(key crypto.Key, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, text := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(text)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", text, err)
		}
		recipients = append(recipients, recipient)
	}

	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(writer, key.String()+"\n"); err != nil {
		return nil, fmt.Errorf("writing key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// Open decodes a key file body. Armored age input is decrypted with
// the identities read from identities (an age identity file body);
// anything else is parsed as a base64 key.
func Open(body []byte, identities []byte) (crypto.Key, error) {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte(armor.Header)) {
		return crypto.ParseKey(string(trimmed))
	}
	if len(identities) == 0 {
		return crypto.Key{}, fmt.Errorf("key file is age-encrypted but no identity was provided")
	}
	parsed, err := age.ParseIdentities(bytes.NewReader(identities))
	if err != nil {
		return crypto.Key{}, fmt.Errorf("parsing age identities: %w", err)
	}
	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(trimmed)), parsed...)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("decrypting key file: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("reading decrypted key: %w", err)
	}
	defer clear(plaintext)
	return crypto.ParseKey(strings.TrimSpace(string(plaintext)))
}

// LoadKeyFile reads and opens the key file at path. identityPath may
// be empty for plain key files.
func LoadKeyFile(path, identityPath string) (crypto.Key, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("reading key file: %w", err)
	}
	defer clear(body)

	var identities []byte
	if identityPath != "" {
		identities, err = os.ReadFile(identityPath)
		if err != nil {
			return crypto.Key{}, fmt.Errorf("reading identity file: %w", err)
		}
		defer clear(identities)
	}

	key, err := Open(body, identities)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}
