// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wiremesh/cmd/wiremesh/cli"
	"github.com/bureau-foundation/wiremesh/control"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/session"
)

func monitorCommand(out io.Writer) *cli.Command {
	var conn connection
	var output cli.JSONOutput
	var peerText string
	return &cli.Command{
		Name:        "monitor",
		Summary:     "Follow session events",
		Description: "Print session events as they happen until interrupted.",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
			conn.register(flags)
			output.Register(flags)
			flags.StringVar(&peerText, "peer", "", "only events of this peer")
			return flags
		},
		Examples: []cli.Example{
			{Description: "Watch one peer as JSON lines", Command: "wiremesh monitor --peer <public-key> --json"},
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("monitor takes no arguments")
			}
			fields := map[string]any{}
			if peerText != "" {
				peer, err := crypto.ParseKey(peerText)
				if err != nil {
					return fmt.Errorf("--peer: %w", err)
				}
				fields["peer"] = peer
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchEvents(ctx, conn.client(), fields, out, output.Enabled)
		},
	}
}

// watchEvents prints events from the daemon until ctx ends.
func watchEvents(ctx context.Context, client *control.Client, fields map[string]any, out io.Writer, asJSON bool) error {
	return control.Watch(ctx, client, control.ActionWatch, fields, func(event session.Event) error {
		if asJSON {
			return cli.WriteJSON(out, event)
		}
		_, err := fmt.Fprintln(out, formatEvent(event))
		return err
	})
}

// formatEvent renders one event as a log line.
func formatEvent(event session.Event) string {
	prefix := fmt.Sprintf("%s  %s  ", event.Time.Local().Format("15:04:05.000"), event.Peer.Short())
	switch event.Type {
	case session.EventStateChanged:
		return prefix + fmt.Sprintf("state %s -> %s (generation %d)", event.From, event.To, event.Generation)
	case session.EventActivePathChanged:
		if event.Path == nil {
			return prefix + "active path cleared"
		}
		path := event.Path
		strategy := path.Strategy
		if strategy == "" {
			strategy = "unspliced"
		}
		return prefix + fmt.Sprintf("active path %s (%s) -> %s (%s), %s, rtt %s, %s",
			path.Local, path.LocalType, path.Remote, path.RemoteType, path.Reachability, path.RTT.Round(10*time.Microsecond), strategy)
	case session.EventKeepaliveMissed:
		return prefix + fmt.Sprintf("keepalive missed (%d in a row)", event.Missed)
	default:
		line := prefix + string(event.Type)
		if event.Error != "" {
			line += ": " + event.Error
		}
		return line
	}
}
