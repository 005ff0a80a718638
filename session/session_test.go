// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/testutil"
	"github.com/bureau-foundation/wiremesh/signaling"
	"github.com/bureau-foundation/wiremesh/signaling/inprocess"
)

func TestTwoPeersConnectOverSignaling(t *testing.T) {
	alice, bob := orderedKeyPairs(t)
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	hub := inprocess.NewHub()
	network := newFakeNetwork()

	start := func(local crypto.KeyPair, gathered ice.Candidate, acceptUnknown bool) *Registry {
		channel := signaling.NewChannel(hub.Connect(), local, time.Second, testLogger())
		registry, err := NewRegistry(RegistryConfig{
			Local:              local,
			Signaler:           channel,
			Gatherer:           newFakeGatherer(gathered),
			Prober:             network,
			Clock:              clk,
			Logger:             testLogger(),
			Session:            testConfig(),
			AcceptUnknownPeers: acceptUnknown,
		})
		if err != nil {
			t.Fatalf("NewRegistry: %v", err)
		}
		subscription, err := channel.Subscribe(registry.HandleMessage)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		t.Cleanup(func() {
			closeRegistry(t, registry)
			channel.Unsubscribe(subscription)
		})
		return registry
	}
	aliceHost := hostCandidate("10.0.0.1:51820")
	bobHost := hostCandidate("10.0.0.2:51820")
	aliceRegistry := start(alice, aliceHost, false)
	bobRegistry := start(bob, bobHost, true)

	if err := aliceRegistry.AddPeer(context.Background(), bob.Public, PeerOptions{}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	connected := func(registry *Registry, peer crypto.Key) bool {
		found, ok := registry.Get(peer)
		return ok && found.Snapshot().State == StateConnected.String()
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return connected(aliceRegistry, bob.Public) && connected(bobRegistry, alice.Public)
	}, "both sessions connected")

	aliceSession, _ := aliceRegistry.Get(bob.Public)
	bobSession, _ := bobRegistry.Get(alice.Public)
	if aliceSession.Role() != RoleControlling {
		t.Errorf("alice role = %s, want controlling", aliceSession.Role())
	}
	if bobSession.Role() != RoleControlled {
		t.Errorf("bob role = %s, want controlled", bobSession.Role())
	}

	for _, tc := range []struct {
		name   string
		got    Snapshot
		remote ice.Candidate
	}{
		{"alice", aliceSession.Snapshot(), bobHost},
		{"bob", bobSession.Snapshot(), aliceHost},
	} {
		if tc.got.Pairs != (PairCounts{Succeeded: 1}) {
			t.Errorf("%s pairs = %+v, want exactly one succeeded pair", tc.name, tc.got.Pairs)
		}
		if tc.got.ActivePath == nil || tc.got.ActivePath.Remote != tc.remote.Addr.String() {
			t.Errorf("%s active path = %+v, want remote %s", tc.name, tc.got.ActivePath, tc.remote.Addr)
		}
		if tc.got.ActivePath != nil && tc.got.ActivePath.Reachability != "direct" {
			t.Errorf("%s reachability = %q, want direct", tc.name, tc.got.ActivePath.Reachability)
		}
	}
}

func TestIdleRetransmitsCredentialsWithGrowingIntervals(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	// The transport loses the first publish; the test never answers it.
	first := h.start()
	if !first.Credentials.NeedCredentials {
		t.Fatal("credentials published from Idle must ask for the remote's")
	}

	// Candidates without credentials do not move the session.
	h.deliverCandidate(500, hostCandidate("10.0.0.2:51820"))

	for _, interval := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		h.clock.WaitForTimers(1)
		h.clock.Advance(interval - time.Millisecond)
		testutil.RequireNoReceive(t, h.signaler.messages, 50*time.Millisecond, "credentials retransmitted before %v", interval)
		h.clock.Advance(time.Millisecond)

		retransmitted := h.nextSent("credentials")
		if retransmitted.Generation != first.Generation {
			t.Errorf("retransmission generation = %d, want %d", retransmitted.Generation, first.Generation)
		}
		if *retransmitted.Credentials != *first.Credentials {
			t.Errorf("retransmission changed credentials: %+v, want %+v", retransmitted.Credentials, first.Credentials)
		}
		if state := h.session.Snapshot().State; state != StateIdle.String() {
			t.Fatalf("state after %v = %s, want idle", interval, state)
		}
	}

	h.deliverCredentials(500, true)
	h.waitState(StateNew)
	reply := h.nextSent("credentials")
	if reply.Credentials.NeedCredentials {
		t.Error("reply to a credential request must not ask again")
	}
	if reply.Generation != first.Generation {
		t.Errorf("reply generation = %d, want %d", reply.Generation, first.Generation)
	}
	snapshot := h.eventually("buffered candidate applied", func(s Snapshot) bool { return s.RemoteCandidates == 1 })
	if snapshot.RemoteGeneration != 500 {
		t.Errorf("remote generation = %d, want 500", snapshot.RemoteGeneration)
	}
}

func TestExhaustedChecksFailAndRestartWithFreshCredentials(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	remoteHost := hostCandidate("10.0.0.2:51820")
	h.network.setDown(remoteHost.Addr, true)
	first := h.start()

	h.deliverCredentials(100, false)
	h.deliverCandidate(100, remoteHost)
	h.deliverDone(100)
	h.eventually("the only pair failed", func(s Snapshot) bool { return s.Pairs.Failed == 1 })

	h.clock.Advance(testConfig().FailedTimeout)
	failed := h.waitEvent("connectivity failure", func(event Event) bool {
		return event.Type == EventConnectivityFailed
	})
	if !strings.Contains(failed.Error, ErrConnectivityFailed.Error()) {
		t.Errorf("failure event error = %q, want it to mention %q", failed.Error, ErrConnectivityFailed)
	}
	h.waitState(StateClosed)

	h.clock.WaitForTimers(1)
	h.clock.Advance(testConfig().RestartBackoff.Initial)
	h.waitState(StateIdle)

	fresh := h.nextSent("credentials")
	if fresh.Generation <= first.Generation {
		t.Errorf("restarted generation %d is not newer than %d", fresh.Generation, first.Generation)
	}
	if fresh.Credentials.Ufrag == first.Credentials.Ufrag || fresh.Credentials.Pwd == first.Credentials.Pwd {
		t.Error("restart reused the previous credentials")
	}
	if !fresh.Credentials.NeedCredentials {
		t.Error("restarted session must ask for credentials")
	}
	snapshot := h.session.Snapshot()
	if snapshot.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", snapshot.Restarts)
	}
	if !strings.Contains(snapshot.LastError, "connectivity failed") {
		t.Errorf("last error = %q", snapshot.LastError)
	}
}

func TestKeepaliveLossSwitchesToAlternatePair(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	remoteHost := hostCandidate("10.0.0.2:51820")
	remoteReflexive := candidate(ice.CandidateTypeServerReflexive, "198.51.100.2:40000", 65535)
	first := h.start()

	h.deliverCredentials(100, false)
	h.deliverCandidate(100, remoteHost)
	h.deliverCandidate(100, remoteReflexive)
	h.deliverDone(100)
	h.eventually("both pairs succeeded with the host pair active", func(s Snapshot) bool {
		return s.State == StateConnected.String() &&
			s.Pairs.Succeeded == 2 &&
			s.ActivePath != nil &&
			s.ActivePath.Remote == remoteHost.Addr.String()
	})

	h.clock.Advance(testConfig().CompletionGrace)
	h.waitState(StateCompleted)

	h.network.setDown(remoteHost.Addr, true)
	for missed := 1; missed <= 3; missed++ {
		h.clock.WaitForTimers(1)
		h.clock.Advance(testConfig().KeepaliveInterval)
		event := h.waitEvent("missed keepalive", func(event Event) bool {
			if event.Type == EventStateChanged {
				t.Fatalf("state changed to %s while keepalives were failing", event.To)
			}
			return event.Type == EventKeepaliveMissed
		})
		if event.Missed != missed {
			t.Fatalf("missed count = %d, want %d", event.Missed, missed)
		}
	}

	changed := h.waitEvent("active path change", func(event Event) bool {
		if event.Type == EventStateChanged {
			t.Fatalf("state changed to %s instead of switching paths", event.To)
		}
		return event.Type == EventActivePathChanged
	})
	if changed.Path.Remote != remoteReflexive.Addr.String() {
		t.Errorf("new active path remote = %s, want %s", changed.Path.Remote, remoteReflexive.Addr)
	}
	if changed.Path.Strategy != "fake" {
		t.Errorf("new active path strategy = %q, want fake", changed.Path.Strategy)
	}

	snapshot := h.session.Snapshot()
	if snapshot.State != StateCompleted.String() {
		t.Errorf("state = %s, want completed", snapshot.State)
	}
	if snapshot.Restarts != 0 || snapshot.Generation != first.Generation {
		t.Errorf("switch restarted the session: restarts %d, generation %d (was %d)",
			snapshot.Restarts, snapshot.Generation, first.Generation)
	}
	if snapshot.MissedKeepalives != 0 {
		t.Errorf("missed keepalives after switch = %d, want 0", snapshot.MissedKeepalives)
	}
}

func TestKeepaliveLossWithoutAlternateRestarts(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	remoteHost := hostCandidate("10.0.0.2:51820")
	first := h.start()

	h.deliverCredentials(100, false)
	h.deliverCandidate(100, remoteHost)
	h.deliverDone(100)
	h.waitState(StateConnected)
	h.clock.Advance(testConfig().CompletionGrace)
	h.waitState(StateCompleted)

	h.network.setDown(remoteHost.Addr, true)
	for range 3 {
		h.clock.WaitForTimers(1)
		h.clock.Advance(testConfig().KeepaliveInterval)
		h.waitEvent("missed keepalive", func(event Event) bool { return event.Type == EventKeepaliveMissed })
	}
	h.waitState(StateDisconnected)
	h.waitState(StateClosed)

	h.binder.mu.Lock()
	releases := h.binder.releases
	h.binder.mu.Unlock()
	if releases != 1 {
		t.Errorf("binder releases = %d, want 1", releases)
	}

	h.clock.WaitForTimers(1)
	h.clock.Advance(testConfig().RestartBackoff.Initial)
	h.waitState(StateIdle)
	if fresh := h.nextSent("credentials"); fresh.Generation <= first.Generation {
		t.Errorf("generation after restart = %d, want newer than %d", fresh.Generation, first.Generation)
	}
}

func TestEqualPriorityPairsResolveIndependentOfArrivalOrder(t *testing.T) {
	firstRelay := candidate(ice.CandidateTypeRelay, "203.0.113.1:3478", 0)
	secondRelay := candidate(ice.CandidateTypeRelay, "203.0.113.2:3478", 0)
	if firstRelay.Priority != secondRelay.Priority {
		t.Fatalf("relay priorities differ: %d and %d", firstRelay.Priority, secondRelay.Priority)
	}

	tests := []struct {
		name  string
		role  Role
		order []ice.Candidate
	}{
		{"controlling in order", RoleControlling, []ice.Candidate{firstRelay, secondRelay}},
		{"controlling reversed", RoleControlling, []ice.Candidate{secondRelay, firstRelay}},
		{"controlled in order", RoleControlled, []ice.Candidate{firstRelay, secondRelay}},
		{"controlled reversed", RoleControlled, []ice.Candidate{secondRelay, firstRelay}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarnessWithRole(t, test.role, hostCandidate("10.0.0.1:51820"))
			h.start()
			h.deliverCredentials(100, false)
			for _, relay := range test.order {
				h.deliverCandidate(100, relay)
			}
			h.deliverDone(100)
			h.eventually("the lower relay address active", func(s Snapshot) bool {
				return s.Pairs.Succeeded == 2 &&
					s.ActivePath != nil &&
					s.ActivePath.Remote == firstRelay.Addr.String()
			})
			if role := h.session.Role(); role != test.role {
				t.Errorf("role = %s, want %s", role, test.role)
			}
		})
	}
}

func TestDuplicateCandidatesFormOnePair(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	h.start()
	h.deliverCredentials(100, false)

	remote := hostCandidate("10.0.0.2:51820")
	h.deliverCandidate(100, remote)
	h.deliverCandidate(100, remote)
	h.deliverCandidate(100, hostCandidate("10.0.0.3:51820"))

	// Messages are handled in order, so once the third candidate is
	// in, the duplicate has been handled too.
	snapshot := h.eventually("two distinct remote candidates", func(s Snapshot) bool {
		return s.RemoteCandidates == 2 && s.LocalCandidates == 1
	})
	if got := totalPairs(snapshot.Pairs); got != 2 {
		t.Errorf("pairs = %d (%+v), want 2", got, snapshot.Pairs)
	}
}

func TestCandidatesAfterDoneAreStillChecked(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	h.start()
	h.deliverCredentials(100, false)
	h.deliverDone(100)

	late := hostCandidate("10.0.0.2:51820")
	h.deliverCandidate(100, late)
	h.waitState(StateConnected)
	if h.network.checkCount(late.Addr) == 0 {
		t.Error("candidate delivered after CandidatesDone was never checked")
	}
}

func TestGenerationsFilterStaleMessages(t *testing.T) {
	h := newHarness(t)
	first := h.start()

	h.deliverCredentials(200, false)
	h.waitState(StateNew)

	// Older credentials and candidates belong to an abandoned attempt.
	h.deliverCredentials(150, true)
	h.deliverCandidate(150, hostCandidate("10.0.0.3:51820"))

	// An equal generation asking for credentials is answered.
	h.deliverCredentials(200, true)
	reply := h.nextSent("credentials")
	if reply.Generation != first.Generation || reply.Credentials.NeedCredentials {
		t.Errorf("duplicate answered with generation %d need %v", reply.Generation, reply.Credentials.NeedCredentials)
	}
	snapshot := h.session.Snapshot()
	if snapshot.RemoteGeneration != 200 || snapshot.RemoteCandidates != 0 {
		t.Errorf("stale messages were applied: remote generation %d, remote candidates %d",
			snapshot.RemoteGeneration, snapshot.RemoteCandidates)
	}

	// Candidates of a newer generation wait for its credentials.
	h.deliverCandidate(300, hostCandidate("10.0.0.4:51820"))
	h.deliverCredentials(300, true)
	h.waitState(StateClosed)
	h.waitState(StateIdle)
	h.waitState(StateNew)

	reply = h.nextSent("credentials")
	if reply.Generation != first.Generation {
		t.Errorf("following a remote restart changed the local generation to %d, want %d", reply.Generation, first.Generation)
	}
	if reply.Credentials.Ufrag != first.Credentials.Ufrag {
		t.Error("following a remote restart changed the local credentials")
	}
	snapshot = h.eventually("buffered candidate applied", func(s Snapshot) bool { return s.RemoteCandidates == 1 })
	if snapshot.RemoteGeneration != 300 || snapshot.Restarts != 1 {
		t.Errorf("remote generation %d restarts %d, want 300 and 1", snapshot.RemoteGeneration, snapshot.Restarts)
	}
}

func TestBindFailureLeavesSessionConnectedButUnusable(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	h.binder.err = errors.New("no strategy could splice the path")
	h.start()

	h.deliverCredentials(100, false)
	h.deliverCandidate(100, hostCandidate("10.0.0.2:51820"))
	unavailable := h.waitEvent("data path unavailable", func(event Event) bool {
		return event.Type == EventDataPathUnavailable
	})
	if !strings.Contains(unavailable.Error, "no strategy") {
		t.Errorf("event error = %q", unavailable.Error)
	}
	h.waitState(StateConnected)

	snapshot := h.session.Snapshot()
	if snapshot.Usable {
		t.Error("session with a failed splice reported usable")
	}
	if snapshot.ActivePath == nil || snapshot.ActivePath.Strategy != "" {
		t.Errorf("active path = %+v, want one without a strategy", snapshot.ActivePath)
	}
}

func TestDiscoveryDegradedIsReportedAndNotFatal(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	h.gatherer.degraded = errors.New("stun.example.net: i/o timeout")
	h.start()

	h.deliverCredentials(100, false)
	degraded := h.waitEvent("discovery degraded", func(event Event) bool {
		return event.Type == EventDiscoveryDegraded
	})
	if !strings.Contains(degraded.Error, "stun.example.net") {
		t.Errorf("event error = %q", degraded.Error)
	}
	h.deliverCandidate(100, hostCandidate("10.0.0.2:51820"))
	h.waitState(StateConnected)
}

func TestFailedFirstStartBuffersCandidatesAndRetries(t *testing.T) {
	errEntropy := errors.New("entropy unavailable")
	calls := 0
	newCredentials = func() (ice.Credentials, error) {
		calls++
		if calls == 1 {
			return ice.Credentials{}, errEntropy
		}
		return ice.NewCredentials()
	}
	t.Cleanup(func() { newCredentials = ice.NewCredentials })

	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	created, err := h.registry.Ensure(h.remote.Public)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	h.session = created
	h.clock.WaitForTimers(1)

	// No attempt exists yet; both messages must be held, not applied.
	remoteHost := hostCandidate("10.0.0.2:51820")
	h.deliverCandidate(0, hostCandidate("10.0.0.3:51820"))
	h.deliverCandidate(100, remoteHost)
	snapshot := h.eventually("first start failed", func(s Snapshot) bool { return s.LastError != "" })
	if snapshot.State != StateUnknown.String() {
		t.Errorf("state after failed start = %s, want %s", snapshot.State, StateUnknown)
	}
	if !strings.Contains(snapshot.LastError, errEntropy.Error()) {
		t.Errorf("last error = %q, want it to mention %q", snapshot.LastError, errEntropy)
	}

	h.clock.Advance(testConfig().RestartBackoff.Initial)
	h.waitState(StateIdle)
	h.nextSent("credentials")

	h.deliverCredentials(100, false)
	h.waitState(StateConnected)
	snapshot = h.session.Snapshot()
	if snapshot.ActivePath == nil || snapshot.ActivePath.Remote != remoteHost.Addr.String() {
		t.Errorf("active path = %+v, want remote %s", snapshot.ActivePath, remoteHost.Addr)
	}
	// The generation 0 candidate predates the accepted credentials.
	if snapshot.RemoteCandidates != 1 {
		t.Errorf("remote candidates = %d, want 1", snapshot.RemoteCandidates)
	}
}

func TestRestartRequestStartsFreshGeneration(t *testing.T) {
	h := newHarness(t)
	first := h.start()
	h.deliverCredentials(100, false)
	h.waitState(StateNew)

	if err := h.registry.Restart(h.remote.Public, "operator request"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	h.waitState(StateClosed)
	h.waitState(StateIdle)
	fresh := h.nextSent("credentials")
	if fresh.Generation <= first.Generation {
		t.Errorf("generation after restart = %d, want newer than %d", fresh.Generation, first.Generation)
	}

	// The remote's generation from before the restart is still
	// current for the remote, so it is accepted again.
	h.deliverCredentials(100, false)
	h.waitState(StateNew)
	h.deliverCredentials(99, false)
	if snapshot := h.session.Snapshot(); snapshot.RemoteGeneration != 100 {
		t.Errorf("remote generation = %d, want 100", snapshot.RemoteGeneration)
	}
}

func TestCloseEndsSessionInClosed(t *testing.T) {
	h := newHarness(t, hostCandidate("10.0.0.1:51820"))
	h.start()
	h.deliverCredentials(100, false)
	h.deliverCandidate(100, hostCandidate("10.0.0.2:51820"))
	h.waitState(StateConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.session.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	testutil.RequireClosed(t, h.session.Done(), time.Second, "session done")
	if state := h.session.Snapshot().State; state != StateClosed.String() {
		t.Errorf("state after Close = %s, want closed", state)
	}
	h.binder.mu.Lock()
	defer h.binder.mu.Unlock()
	if h.binder.releases != 1 {
		t.Errorf("binder releases = %d, want 1", h.binder.releases)
	}
}
