// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wiremesh/cmd/wiremesh/cli"
	"github.com/bureau-foundation/wiremesh/control"
	"github.com/bureau-foundation/wiremesh/session"
)

func statusCommand(out io.Writer) *cli.Command {
	var conn connection
	var output cli.JSONOutput
	return &cli.Command{
		Name:        "status",
		Summary:     "Show the daemon and its sessions",
		Description: "Show the daemon's interface and sockets, and one line per peer session.",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			conn.register(flags)
			output.Register(flags)
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("status takes no arguments")
			}
			var status control.Status
			if err := conn.client().Call(context.Background(), control.ActionStatus, nil, &status); err != nil {
				return err
			}
			if done, err := output.Emit(out, status); done {
				return err
			}
			renderStatus(out, status, cli.IsTerminal(out))
			return nil
		},
	}
}

func peerCommand(out io.Writer) *cli.Command {
	var conn connection
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "peer",
		Summary: "Show one peer session in detail",
		Usage:   "wiremesh peer <public-key> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("peer", pflag.ContinueOnError)
			conn.register(flags)
			output.Register(flags)
			return flags
		},
		Run: func(args []string) error {
			peer, err := peerArgument(args)
			if err != nil {
				return err
			}
			var snapshot session.Snapshot
			if err := conn.client().Call(context.Background(), control.ActionPeer, map[string]any{"peer": peer}, &snapshot); err != nil {
				return err
			}
			if done, err := output.Emit(out, snapshot); done {
				return err
			}
			renderSnapshot(out, snapshot, time.Now())
			return nil
		},
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// stateStyle colours a session state by how healthy it is.
func stateStyle(state string, usable bool) lipgloss.Style {
	switch state {
	case "connected", "completed":
		if !usable {
			return badStyle
		}
		return goodStyle
	case "failed", "disconnected":
		return badStyle
	case "closed", "unknown":
		return faintStyle
	default:
		return busyStyle
	}
}

func renderStatus(w io.Writer, status control.Status, styled bool) {
	fmt.Fprintf(w, "interface   %s (%s driver, port %d)\n", status.Interface, status.Driver, status.ListenPort)
	fmt.Fprintf(w, "public key  %s\n", status.PublicKey)
	fmt.Fprintf(w, "ice ports   %s\n", joinPorts(status.ICEPorts))
	fmt.Fprintf(w, "strategies  %s\n", strings.Join(status.Strategies, ", "))
	fmt.Fprintf(w, "signaling   %s\n", strings.Join(status.Backends, ", "))
	fmt.Fprintf(w, "version     %s, up since %s\n", status.Version, status.StartedAt.Local().Format(time.DateTime))
	if status.EventsDropped > 0 {
		fmt.Fprintf(w, "events      %d dropped by slow watchers\n", status.EventsDropped)
	}
	fmt.Fprintln(w)

	if len(status.Sessions) == 0 {
		fmt.Fprintln(w, "no peer sessions")
		return
	}

	rows := make([][]string, 0, len(status.Sessions))
	for _, snapshot := range status.Sessions {
		path, reach, rtt, strategy := "-", "-", "-", "-"
		if active := snapshot.ActivePath; active != nil {
			path = active.Local + " -> " + active.Remote
			reach = active.Reachability
			rtt = active.RTT.Round(10 * time.Microsecond).String()
			strategy = active.Strategy
			if strategy == "" {
				strategy = "unspliced"
			}
		}
		rows = append(rows, []string{
			snapshot.Peer.Short(),
			snapshot.State,
			snapshot.Role,
			path,
			reach,
			rtt,
			strategy,
			strconv.Itoa(snapshot.Restarts),
		})
	}

	sessions := table.New().
		Border(lipgloss.NormalBorder()).
		BorderTop(false).BorderBottom(false).BorderLeft(false).BorderRight(false).
		BorderColumn(false).
		Headers("PEER", "STATE", "ROLE", "PATH", "REACH", "RTT", "STRATEGY", "RESTARTS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			cell := lipgloss.NewStyle().PaddingRight(2)
			if !styled {
				return cell
			}
			if row == table.HeaderRow {
				return cell.Inherit(headerStyle)
			}
			if col == 1 {
				snapshot := status.Sessions[row]
				return cell.Inherit(stateStyle(snapshot.State, snapshot.Usable))
			}
			return cell
		})
	fmt.Fprintln(w, sessions.Render())
}

func renderSnapshot(w io.Writer, snapshot session.Snapshot, now time.Time) {
	fmt.Fprintf(w, "peer               %s\n", snapshot.Peer)
	fmt.Fprintf(w, "state              %s for %s\n", snapshot.State, since(snapshot.ChangedAt, now))
	fmt.Fprintf(w, "role               %s\n", snapshot.Role)
	fmt.Fprintf(w, "generation         local %d, remote %d\n", snapshot.Generation, snapshot.RemoteGeneration)
	fmt.Fprintf(w, "restarts           %d\n", snapshot.Restarts)
	fmt.Fprintf(w, "candidates         %d local, %d remote\n", snapshot.LocalCandidates, snapshot.RemoteCandidates)
	fmt.Fprintf(w, "pairs              %d waiting, %d in progress, %d succeeded, %d failed\n",
		snapshot.Pairs.Waiting, snapshot.Pairs.InProgress, snapshot.Pairs.Succeeded, snapshot.Pairs.Failed)
	if active := snapshot.ActivePath; active != nil {
		fmt.Fprintf(w, "active path        %s (%s) -> %s (%s)\n", active.Local, active.LocalType, active.Remote, active.RemoteType)
		fmt.Fprintf(w, "reachability       %s, rtt %s, priority %d\n", active.Reachability, active.RTT, active.Priority)
		splice := active.Strategy
		if !snapshot.Usable || splice == "" {
			splice = "not spliced into the tunnel"
		}
		fmt.Fprintf(w, "splice             %s, since %s\n", splice, since(active.Since, now))
	}
	if snapshot.MissedKeepalives > 0 {
		fmt.Fprintf(w, "missed keepalives  %d\n", snapshot.MissedKeepalives)
	}
	if snapshot.LastError != "" {
		fmt.Fprintf(w, "last error         %s\n", snapshot.LastError)
	}
}

func joinPorts(ports []uint16) string {
	if len(ports) == 0 {
		return "-"
	}
	texts := make([]string, len(ports))
	for index, port := range ports {
		texts[index] = strconv.Itoa(int(port))
	}
	return strings.Join(texts, ", ")
}

// since formats the time elapsed from then to now in whole seconds.
func since(then, now time.Time) string {
	if then.IsZero() {
		return "-"
	}
	return now.Sub(then).Truncate(time.Second).String()
}
