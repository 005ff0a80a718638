// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/command"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// stunMagicCookie is the fixed word at bytes 4-8 of every STUN
// message. Matching it in the kernel leaves connectivity checks on the
// candidate socket.
const stunMagicCookie = 0x2112a442

// NATStrategy rewrites UDP ports with nftables so that the tunnel
// talks to the remote candidate directly while the remote sees the
// local candidate's port. Packets from the remote to the candidate
// port are redirected to the tunnel's port, except STUN; packets the
// tunnel sends to the remote leave from the candidate port.
//
// All bindings live in one table, named after the interface, which is
// rewritten atomically on every change.
type NATStrategy struct {
	runner     command.Runner
	nft        string
	table      string
	tunnelPort func() uint16
	logger     *slog.Logger

	mu    sync.Mutex
	rules map[crypto.Key]natRule
}

// natRule joins a remote candidate to the local candidate's socket
// port and the tunnel's port.
type natRule struct {
	remote        netip.AddrPort
	candidatePort uint16
	tunnelPort    uint16
}

// NewNATStrategy returns the nat strategy for the tunnel interface
// called iface. nftPath defaults to "nft".
func NewNATStrategy(runner command.Runner, nftPath, iface string, tunnelPort func() uint16, logger *slog.Logger) *NATStrategy {
	if nftPath == "" {
		nftPath = "nft"
	}
	return &NATStrategy{
		runner:     runner,
		nft:        nftPath,
		table:      "wiremesh-" + iface,
		tunnelPort: tunnelPort,
		logger:     logger.With("component", "proxy", "strategy", "nat"),
		rules:      make(map[crypto.Key]natRule),
	}
}

func (s *NATStrategy) Name() string { return "nat" }

func (s *NATStrategy) Bind(ctx context.Context, peer crypto.Key, pair *ice.CandidatePair) (Binding, error) {
	if pair.Local.Type == ice.CandidateTypeRelay {
		return nil, fmt.Errorf("%w: relayed local candidates carry TURN framing", ErrStrategyUnavailable)
	}
	base := pair.Local.Base()
	if base == nil {
		return nil, fmt.Errorf("%w: local candidate %s has no socket", ErrStrategyUnavailable, pair.Local)
	}
	local, ok := base.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: local candidate socket is not UDP", ErrStrategyUnavailable)
	}
	tunnelPort := s.tunnelPort()
	if tunnelPort == 0 {
		return nil, fmt.Errorf("%w: tunnel has no listen port", ErrStrategyUnavailable)
	}
	rule := natRule{
		remote:        pair.Remote.Addr,
		candidatePort: uint16(local.Port),
		tunnelPort:    tunnelPort,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous, hadPrevious := s.rules[peer]
	s.rules[peer] = rule
	if err := s.apply(ctx); err != nil {
		if hadPrevious {
			s.rules[peer] = previous
		} else {
			delete(s.rules, peer)
		}
		return nil, err
	}
	return &natBinding{strategy: s, peer: peer, rule: rule}, nil
}

// unbind removes peer's rules if they are still rule.
func (s *NATStrategy) unbind(ctx context.Context, peer crypto.Key, rule natRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.rules[peer]; !ok || current != rule {
		return nil
	}
	delete(s.rules, peer)
	return s.apply(ctx)
}

// apply replaces the table with the current rules, or deletes it when
// there are none.
func (s *NATStrategy) apply(ctx context.Context) error {
	ruleset := s.ruleset()
	if _, err := s.runner.Run(ctx, []byte(ruleset), s.nft, "-f", "-"); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrStrategyUnavailable, err)
		}
		return fmt.Errorf("loading nftables ruleset: %w", err)
	}
	s.logger.Debug("nftables ruleset applied", "table", s.table, "rules", len(s.rules))
	return nil
}

// ruleset renders the nft script. Declaring the table before deleting
// it makes the delete succeed when the table does not exist yet.
func (s *NATStrategy) ruleset() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "table inet %s\n", s.table)
	fmt.Fprintf(&builder, "delete table inet %s\n", s.table)
	if len(s.rules) == 0 {
		return builder.String()
	}

	peers := make([]crypto.Key, 0, len(s.rules))
	for peer := range s.rules {
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, crypto.Key.Compare)

	fmt.Fprintf(&builder, "table inet %s {\n", s.table)
	builder.WriteString("\tchain prerouting {\n")
	builder.WriteString("\t\ttype filter hook prerouting priority raw; policy accept;\n")
	for _, peer := range peers {
		rule := s.rules[peer]
		fmt.Fprintf(&builder, "\t\t%s saddr %s udp sport %d udp dport %d @th,96,32 != 0x%08x notrack udp dport set %d\n",
			ipFamily(rule.remote.Addr()), rule.remote.Addr().Unmap(), rule.remote.Port(),
			rule.candidatePort, stunMagicCookie, rule.tunnelPort)
	}
	builder.WriteString("\t}\n")
	builder.WriteString("\tchain output {\n")
	builder.WriteString("\t\ttype filter hook output priority raw; policy accept;\n")
	for _, peer := range peers {
		rule := s.rules[peer]
		fmt.Fprintf(&builder, "\t\t%s daddr %s udp dport %d udp sport %d notrack udp sport set %d\n",
			ipFamily(rule.remote.Addr()), rule.remote.Addr().Unmap(), rule.remote.Port(),
			rule.tunnelPort, rule.candidatePort)
	}
	builder.WriteString("\t}\n")
	builder.WriteString("}\n")
	return builder.String()
}

func ipFamily(addr netip.Addr) string {
	if addr.Unmap().Is4() {
		return "ip"
	}
	return "ip6"
}

type natBinding struct {
	strategy *NATStrategy
	peer     crypto.Key
	rule     natRule
	once     sync.Once
}

// Endpoint is the remote candidate itself; the rewrite happens in the
// kernel.
func (b *natBinding) Endpoint() netip.AddrPort { return b.rule.remote }

func (b *natBinding) Close() error {
	var err error
	b.once.Do(func() {
		err = b.strategy.unbind(context.Background(), b.peer, b.rule)
	})
	return err
}
