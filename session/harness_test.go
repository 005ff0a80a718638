// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/backoff"
	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/testutil"
	"github.com/bureau-foundation/wiremesh/signaling"
)

var errUnreachable = errors.New("check timed out")

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testConfig has no jitter so retransmission intervals are exact.
func testConfig() Config {
	return Config{
		KeepaliveInterval:   10 * time.Second,
		MaxMissedKeepalives: 3,
		CheckTimeout:        2 * time.Second,
		FailedTimeout:       20 * time.Second,
		CompletionGrace:     5 * time.Second,
		MaxConcurrentChecks: 4,
		BindTimeout:         5 * time.Second,
		MaxBufferedMessages: 16,
		CredentialBackoff: backoff.Policy{
			Initial:    time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
		},
		RestartBackoff: backoff.Policy{
			Initial:    3 * time.Second,
			Max:        time.Minute,
			Multiplier: 2,
		},
	}
}

// orderedKeyPairs returns two identities, the first sorting before
// the second.
func orderedKeyPairs(t *testing.T) (smaller, larger crypto.KeyPair) {
	t.Helper()
	first, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	second, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if first.Public.Compare(second.Public) > 0 {
		first, second = second, first
	}
	return first, second
}

func candidate(candidateType ice.CandidateType, address string, preference uint16) ice.Candidate {
	addr := netip.MustParseAddrPort(address)
	return ice.Candidate{
		Type:       candidateType,
		Network:    ice.NetworkOf(addr.Addr()),
		Addr:       addr,
		Priority:   ice.CandidatePriority(candidateType, preference),
		Foundation: ice.Foundation(candidateType, ice.NetworkOf(addr.Addr()), addr.Addr(), ""),
	}
}

func hostCandidate(address string) ice.Candidate {
	return candidate(ice.CandidateTypeHost, address, 65535)
}

// fakeNetwork is a Prober for every peer of a test. A check succeeds
// when the remote credentials are registered and the remote address
// is not marked down.
type fakeNetwork struct {
	mu          sync.Mutex
	credentials map[string]string
	down        map[netip.AddrPort]bool
	checks      map[netip.AddrPort]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		credentials: make(map[string]string),
		down:        make(map[netip.AddrPort]bool),
		checks:      make(map[netip.AddrPort]int),
	}
}

func (n *fakeNetwork) Accept(local ice.Credentials) func() {
	n.mu.Lock()
	n.credentials[local.Ufrag] = local.Pwd
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.credentials, local.Ufrag)
		n.mu.Unlock()
	}
}

func (n *fakeNetwork) Probe(ctx context.Context, request ice.ProbeRequest) (time.Duration, error) {
	n.mu.Lock()
	pwd, registered := n.credentials[request.Remote.Ufrag]
	down := n.down[request.Pair.Remote.Addr]
	n.checks[request.Pair.Remote.Addr]++
	n.mu.Unlock()
	if !registered || pwd != request.Remote.Pwd {
		return 0, ice.ErrCheckRejected
	}
	if down {
		return 0, errUnreachable
	}
	return 3 * time.Millisecond, nil
}

func (n *fakeNetwork) setDown(addr netip.AddrPort, down bool) {
	n.mu.Lock()
	n.down[addr] = down
	n.mu.Unlock()
}

func (n *fakeNetwork) checkCount(addr netip.AddrPort) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.checks[addr]
}

type fakeGathering struct {
	events chan ice.GatherEvent
}

func (g *fakeGathering) Events() <-chan ice.GatherEvent { return g.events }
func (g *fakeGathering) Close() error                   { return nil }

// fakeGatherer replays a fixed set of candidates on every gathering.
type fakeGatherer struct {
	mu         sync.Mutex
	candidates []ice.Candidate
	degraded   error
	gathers    int
}

func newFakeGatherer(candidates ...ice.Candidate) *fakeGatherer {
	return &fakeGatherer{candidates: candidates}
}

func (g *fakeGatherer) Gather(ctx context.Context) (ice.Gathering, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gathers++
	events := make(chan ice.GatherEvent, len(g.candidates)+2)
	for _, gathered := range g.candidates {
		events <- ice.GatherEvent{Candidate: &gathered}
	}
	if g.degraded != nil {
		events <- ice.GatherEvent{Degraded: g.degraded}
	}
	events <- ice.GatherEvent{Done: true}
	close(events)
	return &fakeGathering{events: events}, nil
}

type fakeBinder struct {
	mu       sync.Mutex
	err      error
	bound    []netip.AddrPort
	releases int
}

func (b *fakeBinder) Bind(ctx context.Context, peer crypto.Key, pair *ice.CandidatePair) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = append(b.bound, pair.Remote.Addr)
	if b.err != nil {
		return "", b.err
	}
	return "fake", nil
}

func (b *fakeBinder) Release(ctx context.Context, peer crypto.Key) error {
	b.mu.Lock()
	b.releases++
	b.mu.Unlock()
	return nil
}

// recordingSignaler captures every message a session publishes.
type recordingSignaler struct {
	messages chan *signaling.Message
}

func (r *recordingSignaler) Send(ctx context.Context, to crypto.Key, message *signaling.Message) error {
	select {
	case r.messages <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeTunnel struct {
	mu        sync.Mutex
	endpoints map[crypto.Key]netip.AddrPort
	removed   []crypto.Key
}

func (f *fakeTunnel) SetPeerEndpoint(ctx context.Context, peer crypto.Key, endpoint netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endpoints == nil {
		f.endpoints = make(map[crypto.Key]netip.AddrPort)
	}
	f.endpoints[peer] = endpoint
	return nil
}

func (f *fakeTunnel) RemovePeer(ctx context.Context, peer crypto.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, peer)
	return nil
}

func closeRegistry(t *testing.T, registry *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.Close(ctx); err != nil {
		t.Errorf("Registry.Close: %v", err)
	}
}

// harness runs one session against a scripted remote peer: the test
// delivers the remote's messages by hand and reads what the session
// publishes from signaler.
type harness struct {
	t        *testing.T
	clock    *clock.FakeClock
	local    crypto.KeyPair
	remote   crypto.KeyPair
	network  *fakeNetwork
	gatherer *fakeGatherer
	binder   *fakeBinder
	signaler *recordingSignaler
	registry *Registry
	events   *EventSubscription
	session  *Session

	remoteCredentials ice.Credentials
}

// newHarness runs the session on the controlling side.
func newHarness(t *testing.T, localCandidates ...ice.Candidate) *harness {
	t.Helper()
	return newHarnessWithRole(t, RoleControlling, localCandidates...)
}

func newHarnessWithRole(t *testing.T, role Role, localCandidates ...ice.Candidate) *harness {
	t.Helper()
	local, remote := orderedKeyPairs(t)
	if role == RoleControlled {
		local, remote = remote, local
	}
	h := &harness{
		t:        t,
		clock:    clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		local:    local,
		remote:   remote,
		network:  newFakeNetwork(),
		gatherer: newFakeGatherer(localCandidates...),
		binder:   &fakeBinder{},
		signaler: &recordingSignaler{messages: make(chan *signaling.Message, 1024)},
		remoteCredentials: ice.Credentials{
			Ufrag: "remoteufrag",
			Pwd:   "remotepasswordremotepassword",
		},
	}
	h.network.Accept(h.remoteCredentials)

	hub := NewEventHub()
	h.events = hub.Subscribe(1024)
	registry, err := NewRegistry(RegistryConfig{
		Local:    local,
		Signaler: h.signaler,
		Gatherer: h.gatherer,
		Prober:   h.network,
		Binder:   h.binder,
		Clock:    h.clock,
		Events:   hub,
		Logger:   testLogger(),
		Session:  testConfig(),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.registry = registry
	t.Cleanup(func() {
		closeRegistry(t, registry)
		h.events.Close()
	})
	return h
}

// start creates the session and returns its first credentials.
func (h *harness) start() *signaling.Message {
	h.t.Helper()
	created, err := h.registry.Ensure(h.remote.Public)
	if err != nil {
		h.t.Fatalf("Ensure: %v", err)
	}
	h.session = created
	return h.nextSent("credentials")
}

func (h *harness) deliver(message *signaling.Message) {
	h.registry.HandleMessage(h.remote.Public, message)
}

func (h *harness) deliverCredentials(generation uint64, need bool) {
	h.deliver(&signaling.Message{
		Generation: generation,
		Credentials: &signaling.Credentials{
			Ufrag:           h.remoteCredentials.Ufrag,
			Pwd:             h.remoteCredentials.Pwd,
			NeedCredentials: need,
		},
	})
}

func (h *harness) deliverCandidate(generation uint64, remote ice.Candidate) {
	h.deliver(&signaling.Message{Generation: generation, Candidate: candidateToWire(remote)})
}

func (h *harness) deliverDone(generation uint64) {
	h.deliver(&signaling.Message{Generation: generation, CandidatesDone: &signaling.CandidatesDone{}})
}

// nextSent returns the next published message of the given kind,
// skipping others.
func (h *harness) nextSent(kind string) *signaling.Message {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case message := <-h.signaler.messages:
			if message.Kind() == kind {
				return message
			}
		case <-deadline:
			h.t.Fatalf("no %s message published", kind)
		}
	}
}

// waitEvent returns the next event matching match, discarding the
// events before it.
func (h *harness) waitEvent(description string, match func(Event) bool) Event {
	h.t.Helper()
	for {
		event := testutil.RequireReceive(h.t, h.events.C, 5*time.Second, "waiting for %s", description)
		if match(event) {
			return event
		}
	}
}

func (h *harness) waitState(state State) {
	h.t.Helper()
	h.waitEvent("state "+state.String(), func(event Event) bool {
		return event.Type == EventStateChanged && event.To == state
	})
}

func (h *harness) eventually(description string, condition func(Snapshot) bool) Snapshot {
	h.t.Helper()
	var snapshot Snapshot
	testutil.Eventually(h.t, 5*time.Second, func() bool {
		snapshot = h.session.Snapshot()
		return condition(snapshot)
	}, description)
	return snapshot
}

func totalPairs(counts PairCounts) int {
	return counts.Waiting + counts.InProgress + counts.Succeeded + counts.Failed
}
