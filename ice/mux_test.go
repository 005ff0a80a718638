// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun/v3"

	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type loopbackLister struct{}

func (loopbackLister) Addresses() ([]InterfaceAddress, error) {
	return []InterfaceAddress{{Interface: "lo", Addr: netip.MustParseAddr("127.0.0.1"), Loopback: true}}, nil
}

func newLoopbackMux(t *testing.T) (*Mux, Socket) {
	t.Helper()
	mux := NewMux(clock.Real(), quietLogger())
	socket, err := mux.Listen("udp4", 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { mux.Close() })
	return mux, socket
}

func hostCandidate(socket Socket) Candidate {
	return NewLocalCandidate(CandidateTypeHost,
		netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), socket.Port),
		netip.AddrPort{}, 65535, "", socket.Conn)
}

func TestProbeSucceedsWithMatchingCredentials(t *testing.T) {
	aliceMux, aliceSocket := newLoopbackMux(t)
	bobMux, bobSocket := newLoopbackMux(t)

	aliceCredentials, _ := NewCredentials()
	bobCredentials, _ := NewCredentials()
	release := NewSTUNProber(bobMux, clock.Real()).Accept(bobCredentials)
	defer release()

	prober := NewSTUNProber(aliceMux, clock.Real())
	remote := hostCandidate(bobSocket)
	remote.base = nil
	pair := NewPair(hostCandidate(aliceSocket), remote, true, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rtt, err := prober.Probe(ctx, ProbeRequest{
		Pair:        pair,
		Local:       aliceCredentials,
		Remote:      bobCredentials,
		Controlling: true,
		TieBreaker:  42,
	})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rtt < 0 {
		t.Fatalf("negative RTT %v", rtt)
	}
}

func TestProbeFailsWithWrongPassword(t *testing.T) {
	aliceMux, aliceSocket := newLoopbackMux(t)
	bobMux, bobSocket := newLoopbackMux(t)

	aliceCredentials, _ := NewCredentials()
	bobCredentials, _ := NewCredentials()
	release := bobMux.Register(bobCredentials)
	defer release()

	wrong := bobCredentials
	wrong.Pwd = "0000000000000000000000"
	pair := NewPair(hostCandidate(aliceSocket), hostCandidate(bobSocket), true, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	_, err := NewSTUNProber(aliceMux, clock.Real()).Probe(ctx, ProbeRequest{
		Pair: pair, Local: aliceCredentials, Remote: wrong,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Probe error = %v, want deadline exceeded", err)
	}
}

func TestMuxRoutesDataPackets(t *testing.T) {
	mux, socket := newLoopbackMux(t)
	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer sender.Close()
	senderAddr, _ := addrPortOf(sender.LocalAddr())

	received := make(chan string, 1)
	release, err := mux.Route(socket.Conn, senderAddr, func(packet []byte, from netip.AddrPort) {
		received <- string(packet)
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if _, err := mux.Route(socket.Conn, senderAddr, func([]byte, netip.AddrPort) {}); !errors.Is(err, ErrRouteExists) {
		t.Fatalf("second Route error = %v, want ErrRouteExists", err)
	}

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(socket.Port)}
	sender.WriteTo([]byte("wireguard"), target)
	if got := testutil.RequireReceive(t, received, 5*time.Second, "routed packet"); got != "wireguard" {
		t.Fatalf("routed packet = %q", got)
	}

	release()
	sender.WriteTo([]byte("dropped"), target)
	testutil.RequireNoReceive(t, received, 100*time.Millisecond, "packet after release")
}

// stunServer answers binding requests with the sender's address, like
// a public STUN server.
func stunServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buffer := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buffer)
			if err != nil {
				return
			}
			request := new(stun.Message)
			if stun.Decode(buffer[:n], request) != nil {
				continue
			}
			response, _ := stun.Build(
				stun.NewTransactionIDSetter(request.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: net.IPv4(198, 51, 100, 7), Port: 40000},
				stun.Fingerprint,
			)
			conn.WriteToUDP(response.Raw, from)
		}
	}()
	return conn.LocalAddr().String()
}

func collect(t *testing.T, gathering Gathering) []GatherEvent {
	t.Helper()
	var events []GatherEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-gathering.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatal("gathering did not finish")
		}
	}
}

func TestGatherOrdersHostBeforeReflexive(t *testing.T) {
	mux, _ := newLoopbackMux(t)
	gatherer := NewGatherer(mux, GathererConfig{
		Host:       true,
		Reflexive:  true,
		STUN:       []string{stunServer(t)},
		Filter:     InterfaceFilter{IncludeLoopback: true},
		Interfaces: loopbackLister{},
		Timeout:    2 * time.Second,
	}, quietLogger())

	gathering, err := gatherer.Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	defer gathering.Close()
	events := collect(t, gathering)

	if len(events) != 3 {
		t.Fatalf("got %d events, want host, srflx, done: %+v", len(events), events)
	}
	if events[0].Candidate == nil || events[0].Candidate.Type != CandidateTypeHost {
		t.Fatalf("first event %+v, want host candidate", events[0])
	}
	srflx := events[1].Candidate
	if srflx == nil || srflx.Type != CandidateTypeServerReflexive || srflx.Addr != netip.MustParseAddrPort("198.51.100.7:40000") {
		t.Fatalf("second event %+v, want srflx 198.51.100.7:40000", events[1])
	}
	if srflx.Base() == nil {
		t.Fatal("srflx candidate has no base socket")
	}
	if !events[2].Done {
		t.Fatalf("last event %+v, want done", events[2])
	}
}

func TestGatherReportsUnreachableServerAsDegraded(t *testing.T) {
	// A bound socket that never answers.
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer silent.Close()

	mux, _ := newLoopbackMux(t)
	gatherer := NewGatherer(mux, GathererConfig{
		Host:       true,
		Reflexive:  true,
		STUN:       []string{silent.LocalAddr().String()},
		Filter:     InterfaceFilter{IncludeLoopback: true},
		Interfaces: loopbackLister{},
		Timeout:    300 * time.Millisecond,
	}, quietLogger())

	gathering, err := gatherer.Gather(context.Background())
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	defer gathering.Close()
	events := collect(t, gathering)

	var degraded, hosts int
	for _, event := range events {
		switch {
		case event.Degraded != nil:
			if !errors.Is(event.Degraded, ErrDiscoveryDegraded) {
				t.Errorf("degraded error %v does not wrap ErrDiscoveryDegraded", event.Degraded)
			}
			degraded++
		case event.Candidate != nil:
			hosts++
		}
	}
	if degraded != 1 || hosts != 1 || !events[len(events)-1].Done {
		t.Fatalf("events %+v: want one host, one degraded, then done", events)
	}
}
