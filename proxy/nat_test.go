// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/wiremesh/ice"
)

// recordingRunner keeps the scripts fed to nft.
type recordingRunner struct {
	mu      sync.Mutex
	err     error
	scripts []string
	args    [][]string
}

func (r *recordingRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.scripts = append(r.scripts, string(stdin))
	r.args = append(r.args, append([]string{name}, args...))
	return "", nil
}

func (r *recordingRunner) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scripts[len(r.scripts)-1]
}

func fixedPort(port uint16) func() uint16 { return func() uint16 { return port } }

func TestNATStrategyRuleset(t *testing.T) {
	runner := &recordingRunner{}
	strategy := NewNATStrategy(runner, "/usr/sbin/nft", "wg0", fixedPort(51820), testLogger())
	base := loopbackSocket(t)
	candidatePort := addrOf(base).Port()
	remote := netip.MustParseAddrPort("192.0.2.1:5000")

	binding, err := strategy.Bind(context.Background(), generateKey(t), testPair(base, remote))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if binding.Endpoint() != remote {
		t.Errorf("Endpoint = %s, want the remote candidate %s", binding.Endpoint(), remote)
	}
	if got := strings.Join(runner.args[0], " "); got != "/usr/sbin/nft -f -" {
		t.Errorf("ran %q", got)
	}

	script := runner.last()
	for _, want := range []string{
		"table inet wiremesh-wg0\ndelete table inet wiremesh-wg0\n",
		"type filter hook prerouting priority raw; policy accept;",
		fmt.Sprintf("ip saddr 192.0.2.1 udp sport 5000 udp dport %d @th,96,32 != 0x2112a442 notrack udp dport set 51820", candidatePort),
		"type filter hook output priority raw; policy accept;",
		fmt.Sprintf("ip daddr 192.0.2.1 udp dport 5000 udp sport 51820 notrack udp sport set %d", candidatePort),
	} {
		if !strings.Contains(script, want) {
			t.Errorf("ruleset missing %q:\n%s", want, script)
		}
	}

	if err := binding.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got, want := runner.last(), "table inet wiremesh-wg0\ndelete table inet wiremesh-wg0\n"; got != want {
		t.Errorf("ruleset after Close = %q, want %q", got, want)
	}
}

func TestNATStrategyIPv6Remote(t *testing.T) {
	runner := &recordingRunner{}
	strategy := NewNATStrategy(runner, "", "wg0", fixedPort(51820), testLogger())
	if _, err := strategy.Bind(context.Background(), generateKey(t), testPair(loopbackSocket(t), netip.MustParseAddrPort("[2001:db8::1]:5000"))); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !strings.Contains(runner.last(), "ip6 saddr 2001:db8::1 udp sport 5000") {
		t.Errorf("ruleset:\n%s", runner.last())
	}
	if runner.args[0][0] != "nft" {
		t.Errorf("default binary = %q, want nft", runner.args[0][0])
	}
}

func TestNATStrategyStaleCloseKeepsNewerRule(t *testing.T) {
	runner := &recordingRunner{}
	strategy := NewNATStrategy(runner, "nft", "wg0", fixedPort(51820), testLogger())
	peer := generateKey(t)
	base := loopbackSocket(t)
	ctx := context.Background()

	old, err := strategy.Bind(ctx, peer, testPair(base, netip.MustParseAddrPort("192.0.2.1:5000")))
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := strategy.Bind(ctx, peer, testPair(base, netip.MustParseAddrPort("192.0.2.9:7000"))); err != nil {
		t.Fatalf("second Bind: %v", err)
	}
	applied := len(runner.scripts)
	if err := old.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(runner.scripts) != applied {
		t.Error("closing a replaced binding rewrote the ruleset")
	}
	if !strings.Contains(runner.last(), "192.0.2.9") || strings.Contains(runner.last(), "192.0.2.1 ") {
		t.Errorf("ruleset:\n%s", runner.last())
	}
}

func TestNATStrategyUnavailable(t *testing.T) {
	remote := netip.MustParseAddrPort("192.0.2.1:5000")
	tests := []struct {
		name   string
		runner *recordingRunner
		port   uint16
		pair   func(t *testing.T) *ice.CandidatePair
	}{
		{
			name:   "nft missing",
			runner: &recordingRunner{err: fmt.Errorf("nft -f -: %w", exec.ErrNotFound)},
			port:   51820,
			pair:   func(t *testing.T) *ice.CandidatePair { return testPair(loopbackSocket(t), remote) },
		},
		{
			name:   "relay candidate",
			runner: &recordingRunner{},
			port:   51820,
			pair: func(t *testing.T) *ice.CandidatePair {
				base := loopbackSocket(t)
				local := ice.NewLocalCandidate(ice.CandidateTypeRelay, addrOf(base), netip.AddrPort{}, 65535, "turn.example.net:3478", base)
				return ice.NewPair(local, remoteCandidate(remote), true, 0)
			},
		},
		{
			name:   "no tunnel port",
			runner: &recordingRunner{},
			port:   0,
			pair:   func(t *testing.T) *ice.CandidatePair { return testPair(loopbackSocket(t), remote) },
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			strategy := NewNATStrategy(test.runner, "nft", "wg0", fixedPort(test.port), testLogger())
			_, err := strategy.Bind(context.Background(), generateKey(t), test.pair(t))
			if !errors.Is(err, ErrStrategyUnavailable) {
				t.Fatalf("Bind error = %v, want ErrStrategyUnavailable", err)
			}
		})
	}
}

func TestNATStrategyLoadFailure(t *testing.T) {
	runner := &recordingRunner{err: errors.New("nft -f -: exit status 1 (stderr: Operation not permitted)")}
	strategy := NewNATStrategy(runner, "nft", "wg0", fixedPort(51820), testLogger())
	_, err := strategy.Bind(context.Background(), generateKey(t), testPair(loopbackSocket(t), netip.MustParseAddrPort("192.0.2.1:5000")))
	if err == nil || errors.Is(err, ErrStrategyUnavailable) {
		t.Fatalf("Bind error = %v, want a load failure", err)
	}
	if len(strategy.rules) != 0 {
		t.Error("failed bind left a rule behind")
	}
}
