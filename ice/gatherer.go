// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
	"golang.org/x/sync/errgroup"
)

// ErrDiscoveryDegraded marks a STUN or TURN server that could not be
// used. Gathering continues without its candidates.
var ErrDiscoveryDegraded = errors.New("ice: candidate discovery degraded")

// TURNServer is a relay server and its long-term credentials.
type TURNServer struct {
	Address  string
	Username string
	Password string
	Realm    string
}

// GathererConfig selects which candidates are gathered.
type GathererConfig struct {
	// Networks limits gathering to "udp4" and/or "udp6" sockets.
	// Empty means every socket of the Mux.
	Networks []string

	Host      bool
	Reflexive bool
	Relay     bool

	STUN []string
	TURN []TURNServer

	Filter     InterfaceFilter
	Interfaces InterfaceLister

	// Timeout bounds each server transaction.
	Timeout time.Duration
}

// GatherEvent is one step of a gathering: a candidate, a degraded
// server, or the end marker.
type GatherEvent struct {
	Candidate *Candidate
	Degraded  error
	Done      bool
}

// Gathering is one run of candidate discovery. Events delivers
// candidates host first, then server-reflexive, then relayed, and ends
// with a Done event before the channel closes. Close stops discovery
// and releases relay allocations; relay candidates are unusable
// afterwards.
type Gathering interface {
	Events() <-chan GatherEvent
	Close() error
}

// Gatherer discovers local candidates on the sockets of a Mux.
type Gatherer struct {
	mux    *Mux
	config GathererConfig
	logger *slog.Logger
}

// NewGatherer returns a Gatherer for mux.
func NewGatherer(mux *Mux, config GathererConfig, logger *slog.Logger) *Gatherer {
	if config.Interfaces == nil {
		config.Interfaces = SystemInterfaces()
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &Gatherer{mux: mux, config: config, logger: logger.With("component", "ice-gatherer")}
}

// Gather starts a fresh gathering.
func (g *Gatherer) Gather(ctx context.Context) (Gathering, error) {
	var sockets []Socket
	for _, socket := range g.mux.Sockets() {
		if len(g.config.Networks) == 0 || slices.Contains(g.config.Networks, socket.Network) {
			sockets = append(sockets, socket)
		}
	}
	if len(sockets) == 0 {
		return nil, errors.New("ice: no sockets to gather on")
	}
	slices.SortFunc(sockets, func(a, b Socket) int {
		if a.Network < b.Network {
			return -1
		}
		if a.Network > b.Network {
			return 1
		}
		return 0
	})

	ctx, cancel := context.WithCancel(ctx)
	run := &gathering{
		gatherer: g,
		sockets:  sockets,
		events:   make(chan GatherEvent, 64),
		cancel:   cancel,
		done:     make(chan struct{}),
		seen:     make(map[netip.AddrPort]bool),
	}
	go run.run(ctx)
	return run, nil
}

type gathering struct {
	gatherer *Gatherer
	sockets  []Socket
	events   chan GatherEvent
	cancel   context.CancelFunc
	done     chan struct{}

	// seen deduplicates candidate addresses; only the run goroutine
	// touches it.
	seen       map[netip.AddrPort]bool
	preference uint16

	mu          sync.Mutex
	allocations []*relayAllocation
	closeOnce   sync.Once
}

type relayAllocation struct {
	client *turn.Client
	conn   net.PacketConn
	relay  net.PacketConn
}

func (r *gathering) Events() <-chan GatherEvent { return r.events }

func (r *gathering) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		r.mu.Lock()
		allocations := r.allocations
		r.allocations = nil
		r.mu.Unlock()
		for _, allocation := range allocations {
			r.gatherer.mux.Detach(allocation.relay)
			allocation.relay.Close()
			allocation.client.Close()
			allocation.conn.Close()
		}
	})
	return nil
}

func (r *gathering) emit(ctx context.Context, event GatherEvent) bool {
	select {
	case r.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *gathering) emitCandidate(ctx context.Context, candidate Candidate) bool {
	if r.seen[candidate.Addr] {
		return true
	}
	r.seen[candidate.Addr] = true
	candidate.Priority = CandidatePriority(candidate.Type, r.nextPreference())
	r.gatherer.logger.Debug("gathered candidate", "candidate", candidate.String())
	return r.emit(ctx, GatherEvent{Candidate: &candidate})
}

// nextPreference hands out decreasing local preferences so that among
// candidates of one type the first emitted ranks highest and no two
// candidates of a gathering share a priority.
func (r *gathering) nextPreference() uint16 {
	preference := 65535 - r.preference
	r.preference++
	return preference
}

func (r *gathering) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.events)
	config := r.gatherer.config

	if config.Host && !r.gatherHost(ctx) {
		return
	}
	if config.Reflexive && len(config.STUN) > 0 && !r.gatherReflexive(ctx) {
		return
	}
	if config.Relay && len(config.TURN) > 0 && !r.gatherRelay(ctx) {
		return
	}
	r.emit(ctx, GatherEvent{Done: true})
}

func (r *gathering) gatherHost(ctx context.Context) bool {
	config := r.gatherer.config
	addresses, err := config.Interfaces.Addresses()
	if err != nil {
		return r.emit(ctx, GatherEvent{Degraded: fmt.Errorf("%w: listing interfaces: %v", ErrDiscoveryDegraded, err)})
	}
	for _, socket := range r.sockets {
		for _, address := range addresses {
			if !config.Filter.Allows(address) || NetworkOf(address.Addr) != socket.Network {
				continue
			}
			candidate := NewLocalCandidate(CandidateTypeHost,
				netip.AddrPortFrom(address.Addr, socket.Port), netip.AddrPort{},
				0, "", socket.Conn)
			if !r.emitCandidate(ctx, candidate) {
				return false
			}
		}
	}
	return true
}

type reflexiveResult struct {
	candidate Candidate
	err       error
}

func (r *gathering) gatherReflexive(ctx context.Context) bool {
	config := r.gatherer.config
	type job struct {
		socket Socket
		server string
	}
	var jobs []job
	for _, server := range config.STUN {
		for _, socket := range r.sockets {
			jobs = append(jobs, job{socket, server})
		}
	}

	results := make([]reflexiveResult, len(jobs))
	var group errgroup.Group
	for index, item := range jobs {
		group.Go(func() error {
			results[index] = r.queryReflexive(ctx, item.socket, item.server)
			return nil
		})
	}
	group.Wait()

	for _, result := range results {
		if result.err != nil {
			if !r.emit(ctx, GatherEvent{Degraded: result.err}) {
				return false
			}
			continue
		}
		if !result.candidate.Addr.IsValid() {
			continue
		}
		if !r.emitCandidate(ctx, result.candidate) {
			return false
		}
	}
	return true
}

// queryReflexive asks server for the socket's mapped address. A
// server of the wrong address family yields an empty result, not an
// error.
func (r *gathering) queryReflexive(ctx context.Context, socket Socket, server string) reflexiveResult {
	resolved, err := net.ResolveUDPAddr(socket.Network, server)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return reflexiveResult{}
		}
		return reflexiveResult{err: fmt.Errorf("%w: resolving STUN server %s: %v", ErrDiscoveryDegraded, server, err)}
	}
	serverAddr, _ := addrPortOf(resolved)
	if NetworkOf(serverAddr.Addr()) != socket.Network {
		return reflexiveResult{}
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return reflexiveResult{err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, r.gatherer.config.Timeout)
	defer cancel()
	response, err := r.gatherer.mux.Request(ctx, socket.Conn, serverAddr, request)
	if err != nil {
		return reflexiveResult{err: fmt.Errorf("%w: STUN server %s: %v", ErrDiscoveryDegraded, server, err)}
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(response); err != nil {
		return reflexiveResult{err: fmt.Errorf("%w: STUN server %s: %v", ErrDiscoveryDegraded, server, err)}
	}
	addr, ok := netip.AddrFromSlice(mapped.IP)
	if !ok {
		return reflexiveResult{err: fmt.Errorf("%w: STUN server %s returned a malformed address", ErrDiscoveryDegraded, server)}
	}

	base := netip.AddrPortFrom(netip.IPv4Unspecified(), socket.Port)
	if socket.Network == "udp6" {
		base = netip.AddrPortFrom(netip.IPv6Unspecified(), socket.Port)
	}
	candidate := NewLocalCandidate(CandidateTypeServerReflexive,
		netip.AddrPortFrom(addr.Unmap(), uint16(mapped.Port)), base,
		0, server, socket.Conn)
	return reflexiveResult{candidate: candidate}
}

func (r *gathering) gatherRelay(ctx context.Context) bool {
	for _, server := range r.gatherer.config.TURN {
		candidate, err := r.allocate(ctx, server)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if !r.emit(ctx, GatherEvent{Degraded: fmt.Errorf("%w: TURN server %s: %v", ErrDiscoveryDegraded, server.Address, err)}) {
				return false
			}
			continue
		}
		if !r.emitCandidate(ctx, candidate) {
			return false
		}
	}
	return true
}

func (r *gathering) allocate(ctx context.Context, server TURNServer) (Candidate, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return Candidate{}, err
	}
	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: server.Address,
		TURNServerAddr: server.Address,
		Username:       server.Username,
		Password:       server.Password,
		Realm:          server.Realm,
		Conn:           conn,
		LoggerFactory:  PionLoggerFactory{Logger: r.gatherer.logger},
	})
	if err != nil {
		conn.Close()
		return Candidate{}, err
	}
	if err := client.Listen(); err != nil {
		client.Close()
		conn.Close()
		return Candidate{}, err
	}

	// Allocate has no context; closing the socket aborts it.
	allocateContext, cancel := context.WithTimeout(ctx, r.gatherer.config.Timeout)
	defer cancel()
	stop := context.AfterFunc(allocateContext, func() { conn.Close() })
	relay, err := client.Allocate()
	var mapped net.Addr
	if err == nil {
		mapped, _ = client.SendBindingRequest()
	}
	if !stop() {
		err = errors.Join(err, allocateContext.Err())
	}
	if err != nil {
		if relay != nil {
			relay.Close()
		}
		client.Close()
		conn.Close()
		return Candidate{}, err
	}

	relayAddr, ok := addrPortOf(relay.LocalAddr())
	if !ok {
		relay.Close()
		client.Close()
		conn.Close()
		return Candidate{}, fmt.Errorf("unusable relay address %s", relay.LocalAddr())
	}
	var related netip.AddrPort
	if mapped != nil {
		related, _ = addrPortOf(mapped)
	}
	if err := r.gatherer.mux.Attach(relay, "udp4"); err != nil {
		relay.Close()
		client.Close()
		conn.Close()
		return Candidate{}, err
	}
	r.mu.Lock()
	r.allocations = append(r.allocations, &relayAllocation{client: client, conn: conn, relay: relay})
	r.mu.Unlock()

	return NewLocalCandidate(CandidateTypeRelay, relayAddr, related, 0, server.Address, relay), nil
}
