// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wiremesh/cmd/wiremesh/cli"
	"github.com/bureau-foundation/wiremesh/control"
)

func restartCommand(out io.Writer) *cli.Command {
	return peerActionCommand(out, control.ActionRestart,
		"Restart negotiation with a peer",
		"Tear the peer's session down and negotiate again with fresh credentials.",
		"restarted")
}

func removeCommand(out io.Writer) *cli.Command {
	return peerActionCommand(out, control.ActionRemove,
		"Remove a peer",
		"End the peer's session, release its path, and remove it from the interface.",
		"removed")
}

// peerActionCommand builds a command that runs action for the peer
// named by its only argument.
func peerActionCommand(out io.Writer, action, summary, description, done string) *cli.Command {
	var conn connection
	return &cli.Command{
		Name:        action,
		Summary:     summary,
		Description: description,
		Usage:       "wiremesh " + action + " <public-key> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet(action, pflag.ContinueOnError)
			conn.register(flags)
			return flags
		},
		Run: func(args []string) error {
			peer, err := peerArgument(args)
			if err != nil {
				return err
			}
			if err := conn.client().Call(context.Background(), action, map[string]any{"peer": peer}, nil); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n", done, peer.Short())
			return nil
		},
	}
}
