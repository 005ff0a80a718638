// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wiremesh/cmd/wiremesh/cli"
	"github.com/bureau-foundation/wiremesh/control"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/version"
)

// controlDirectory holds the daemons' control sockets, one per
// interface.
const controlDirectory = "/run/wiremesh"

// socketEnvironment overrides the control socket path.
const socketEnvironment = "WIREMESH_SOCKET"

func root(in io.Reader, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:        "wiremesh",
		Description: "Inspect and control wiremesh, the peer-to-peer path negotiator for WireGuard.",
		Subcommands: []*cli.Command{
			genkeyCommand(out),
			pubkeyCommand(in, out),
			statusCommand(out),
			peerCommand(out),
			monitorCommand(out),
			restartCommand(out),
			removeCommand(out),
			{
				Name:    "version",
				Summary: "Print the version",
				Run: func(args []string) error {
					fmt.Fprintf(out, "wiremesh %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// connection holds the flags that locate a daemon.
type connection struct {
	iface  string
	socket string
}

func (c *connection) register(flags *pflag.FlagSet) {
	flags.StringVarP(&c.iface, "interface", "i", "wg0", "interface of the daemon to talk to")
	flags.StringVar(&c.socket, "socket", os.Getenv(socketEnvironment), "control socket path; overrides --interface")
}

func (c *connection) client() *control.Client {
	path := c.socket
	if path == "" {
		path = filepath.Join(controlDirectory, c.iface+".sock")
	}
	return control.NewClient(path)
}

// peerArgument parses the single public key argument of per-peer
// commands.
func peerArgument(args []string) (crypto.Key, error) {
	if len(args) != 1 {
		return crypto.Key{}, fmt.Errorf("expected one peer public key, got %d arguments", len(args))
	}
	peer, err := crypto.ParseKey(args[0])
	if err != nil {
		return crypto.Key{}, fmt.Errorf("peer %q: %w", args[0], err)
	}
	return peer, nil
}
