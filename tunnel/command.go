// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/command"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// WGCommand configures an interface by running wg(8). It works with
// any implementation wg can talk to, kernel or userspace, at the cost
// of a process per operation.
type WGCommand struct {
	name   string
	wg     string
	runner command.Runner
	logger *slog.Logger

	mu         sync.Mutex
	port       uint16
	privateKey crypto.Key
	closed     bool
}

// OpenWGCommand checks that wg can read the interface called name.
func OpenWGCommand(ctx context.Context, name, wgPath string, runner command.Runner, logger *slog.Logger) (*WGCommand, error) {
	if wgPath == "" {
		wgPath = "wg"
	}
	device := &WGCommand{
		name:   name,
		wg:     wgPath,
		runner: runner,
		logger: logger.With("component", "tunnel", "driver", "command", "interface", name),
	}
	if _, err := device.dump(ctx); err != nil {
		return nil, err
	}
	device.logger.Info("attached to interface", "listen_port", device.ListenPort())
	return device, nil
}

func (w *WGCommand) Name() string    { return w.name }
func (w *WGCommand) Userspace() bool { return false }

func (w *WGCommand) ListenPort() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.port
}

// PrivateKey returns the interface's private key from the last dump.
func (w *WGCommand) PrivateKey() crypto.Key {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.privateKey
}

func (w *WGCommand) run(ctx context.Context, args ...string) (string, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	return w.runner.Run(ctx, nil, w.wg, args...)
}

// dump runs "wg show <name> dump" and records the interface line.
func (w *WGCommand) dump(ctx context.Context) ([]Peer, error) {
	output, err := w.run(ctx, "show", w.name, "dump")
	if err != nil {
		return nil, err
	}
	port, privateKey, peers, err := parseDump(output)
	if err != nil {
		return nil, fmt.Errorf("parsing wg dump of %s: %w", w.name, err)
	}
	w.mu.Lock()
	w.port = port
	w.privateKey = privateKey
	w.mu.Unlock()
	return peers, nil
}

// Peers returns the interface's peers, sorted by key.
func (w *WGCommand) Peers(ctx context.Context) ([]Peer, error) {
	return w.dump(ctx)
}

// AddPeer creates the peer or replaces its allowed IPs.
func (w *WGCommand) AddPeer(ctx context.Context, spec PeerSpec) error {
	allowed := make([]string, 0, len(spec.AllowedIPs))
	for _, prefix := range spec.AllowedIPs {
		allowed = append(allowed, prefix.String())
	}
	keepalive := "off"
	if seconds := int(spec.PersistentKeepalive.Seconds()); seconds > 0 {
		keepalive = strconv.Itoa(seconds)
	}
	args := []string{"set", w.name, "peer", spec.PublicKey.String(),
		"allowed-ips", strings.Join(allowed, ","),
		"persistent-keepalive", keepalive}
	if spec.Endpoint.IsValid() {
		args = append(args, "endpoint", spec.Endpoint.String())
	}
	_, err := w.run(ctx, args...)
	return err
}

// SetPeerEndpoint points an existing peer at endpoint. wg set would
// create a missing peer, so existence is checked first.
func (w *WGCommand) SetPeerEndpoint(ctx context.Context, peer crypto.Key, endpoint netip.AddrPort) error {
	if err := w.requirePeer(ctx, peer); err != nil {
		return err
	}
	_, err := w.run(ctx, "set", w.name, "peer", peer.String(), "endpoint", endpoint.String())
	return err
}

// RemovePeer removes peer from the interface.
func (w *WGCommand) RemovePeer(ctx context.Context, peer crypto.Key) error {
	if err := w.requirePeer(ctx, peer); err != nil {
		return err
	}
	_, err := w.run(ctx, "set", w.name, "peer", peer.String(), "remove")
	return err
}

func (w *WGCommand) requirePeer(ctx context.Context, peer crypto.Key) error {
	peers, err := w.dump(ctx)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(peers, func(existing Peer) bool { return existing.PublicKey == peer }) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Short())
	}
	return nil
}

// Close stops further commands. The interface is left as it is.
func (w *WGCommand) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

// parseDump parses "wg show <interface> dump": a tab-separated
// interface line (private key, public key, listen port, fwmark)
// followed by one line per peer (public key, preshared key, endpoint,
// allowed IPs, latest handshake, rx bytes, tx bytes, keepalive).
func parseDump(output string) (uint16, crypto.Key, []Peer, error) {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return 0, crypto.Key{}, nil, errors.New("empty output")
	}
	header := strings.Split(lines[0], "\t")
	if len(header) != 4 {
		return 0, crypto.Key{}, nil, fmt.Errorf("interface line has %d fields, want 4", len(header))
	}
	var privateKey crypto.Key
	if header[0] != "(none)" {
		parsed, err := crypto.ParseKey(header[0])
		if err != nil {
			return 0, crypto.Key{}, nil, fmt.Errorf("private key: %w", err)
		}
		privateKey = parsed
	}
	port, err := strconv.ParseUint(header[2], 10, 16)
	if err != nil {
		return 0, crypto.Key{}, nil, fmt.Errorf("listen port: %w", err)
	}

	peers := make([]Peer, 0, len(lines)-1)
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != 8 {
			return 0, crypto.Key{}, nil, fmt.Errorf("peer line has %d fields, want 8", len(fields))
		}
		peer, err := parseDumpPeer(fields)
		if err != nil {
			return 0, crypto.Key{}, nil, err
		}
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, func(a, b Peer) int { return a.PublicKey.Compare(b.PublicKey) })
	return uint16(port), privateKey, peers, nil
}

func parseDumpPeer(fields []string) (Peer, error) {
	var peer Peer
	var err error
	if peer.PublicKey, err = crypto.ParseKey(fields[0]); err != nil {
		return Peer{}, fmt.Errorf("peer public key: %w", err)
	}
	if fields[2] != "(none)" {
		if peer.Endpoint, err = netip.ParseAddrPort(fields[2]); err != nil {
			return Peer{}, fmt.Errorf("peer %s endpoint: %w", peer.PublicKey.Short(), err)
		}
	}
	if fields[3] != "(none)" {
		for _, text := range strings.Split(fields[3], ",") {
			prefix, err := netip.ParsePrefix(text)
			if err != nil {
				return Peer{}, fmt.Errorf("peer %s allowed IP: %w", peer.PublicKey.Short(), err)
			}
			peer.AllowedIPs = append(peer.AllowedIPs, prefix)
		}
	}
	handshake, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Peer{}, fmt.Errorf("peer %s latest handshake: %w", peer.PublicKey.Short(), err)
	}
	if handshake > 0 {
		peer.LastHandshake = time.Unix(handshake, 0)
	}
	if peer.ReceiveBytes, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
		return Peer{}, fmt.Errorf("peer %s rx bytes: %w", peer.PublicKey.Short(), err)
	}
	if peer.TransmitBytes, err = strconv.ParseInt(fields[6], 10, 64); err != nil {
		return Peer{}, fmt.Errorf("peer %s tx bytes: %w", peer.PublicKey.Short(), err)
	}
	if fields[7] != "off" {
		seconds, err := strconv.Atoi(fields[7])
		if err != nil {
			return Peer{}, fmt.Errorf("peer %s keepalive: %w", peer.PublicKey.Short(), err)
		}
		peer.PersistentKeepalive = time.Duration(seconds) * time.Second
	}
	return peer, nil
}
