// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/wiremesh/lib/config"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/sealed"
	"github.com/bureau-foundation/wiremesh/tunnel"
)

// configuredKey returns the private key named by the config, or the
// zero key when the config names none.
func configuredKey(cfg *config.Config) (crypto.Key, error) {
	switch {
	case cfg.PrivateKey != "":
		key, err := crypto.ParseKey(cfg.PrivateKey)
		if err != nil {
			return crypto.Key{}, fmt.Errorf("private_key: %w", err)
		}
		return key, nil
	case cfg.PrivateKeyFile != "":
		key, err := sealed.LoadKeyFile(cfg.PrivateKeyFile, cfg.IdentityFile)
		if err != nil {
			return crypto.Key{}, fmt.Errorf("private_key_file %s: %w", cfg.PrivateKeyFile, err)
		}
		return key, nil
	}
	return crypto.Key{}, nil
}

// keyHolder is implemented by devices that report the key of an
// existing interface.
type keyHolder interface {
	PrivateKey() crypto.Key
}

// resolveKey picks the identity: the configured key when there is one,
// otherwise the key of the device. A configured key must match the key
// of a device that has one.
func resolveKey(configured crypto.Key, device tunnel.Device) (crypto.KeyPair, error) {
	var deviceKey crypto.Key
	if holder, ok := device.(keyHolder); ok {
		deviceKey = holder.PrivateKey()
	}
	switch {
	case !configured.IsZero():
		if !deviceKey.IsZero() && deviceKey != configured {
			return crypto.KeyPair{}, fmt.Errorf("configured private key (public %s) does not match interface %s (public %s)",
				configured.PublicKey().Short(), device.Name(), deviceKey.PublicKey().Short())
		}
		return crypto.NewKeyPair(configured), nil
	case !deviceKey.IsZero():
		return crypto.NewKeyPair(deviceKey), nil
	}
	return crypto.KeyPair{}, errors.New("no private key: set private_key or private_key_file, or configure one on the interface")
}
