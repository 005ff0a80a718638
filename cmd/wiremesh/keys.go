// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wiremesh/cmd/wiremesh/cli"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/sealed"
)

// maxKeyFileSize bounds what pubkey reads from stdin.
const maxKeyFileSize = 64 * 1024

func genkeyCommand(out io.Writer) *cli.Command {
	var recipients []string
	return &cli.Command{
		Name:    "genkey",
		Summary: "Generate a private key",
		Description: "Generate a WireGuard private key and print it in base64. With --seal-to\n" +
			"the key is written age-encrypted instead, ready for private_key_file.",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("genkey", pflag.ContinueOnError)
			flags.StringArrayVar(&recipients, "seal-to", nil, "age recipient to encrypt the key for (repeatable)")
			return flags
		},
		Examples: []cli.Example{
			{Description: "Plain key", Command: "wiremesh genkey > private.key"},
			{Description: "Sealed key", Command: "wiremesh genkey --seal-to age1... > private.key.age"},
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("genkey takes no arguments")
			}
			key, err := crypto.GeneratePrivateKey()
			if err != nil {
				return err
			}
			if len(recipients) == 0 {
				_, err = fmt.Fprintln(out, key.String())
				return err
			}
			body, err := sealed.Seal(key, recipients)
			if err != nil {
				return err
			}
			_, err = out.Write(body)
			return err
		},
	}
}

func pubkeyCommand(in io.Reader, out io.Writer) *cli.Command {
	var identityPath string
	return &cli.Command{
		Name:        "pubkey",
		Summary:     "Print the public key of a private key",
		Description: "Read a private key, plain or age-sealed, from stdin and print its public key.",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("pubkey", pflag.ContinueOnError)
			flags.StringVar(&identityPath, "identity", "", "age identity file for a sealed key")
			return flags
		},
		Examples: []cli.Example{
			{Command: "wiremesh genkey | tee private.key | wiremesh pubkey"},
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("pubkey takes no arguments; the key is read from stdin")
			}
			body, err := io.ReadAll(io.LimitReader(in, maxKeyFileSize))
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			defer clear(body)
			var identities []byte
			if identityPath != "" {
				identities, err = os.ReadFile(identityPath)
				if err != nil {
					return fmt.Errorf("reading identity: %w", err)
				}
			}
			key, err := sealed.Open(body, identities)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, key.PublicKey().String())
			return err
		},
	}
}
