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
	"strings"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/netutil"
)

var (
	// ErrMuxClosed is returned by operations on a closed Mux.
	ErrMuxClosed = errors.New("ice: mux closed")

	// ErrRouteExists is returned when a remote address on a base
	// already has a data handler.
	ErrRouteExists = errors.New("ice: route already registered")
)

// maxPacketSize covers any UDP payload.
const maxPacketSize = 65535

// initialRTO is the first STUN retransmission timeout; it doubles on
// every retransmission.
const initialRTO = 250 * time.Millisecond

// DataHandler receives a non-STUN packet from a routed remote
// address. packet is only valid for the duration of the call.
type DataHandler func(packet []byte, from netip.AddrPort)

// Socket is a UDP socket owned by the Mux.
type Socket struct {
	Conn    net.PacketConn
	Network string
	Port    uint16
}

// Mux shares UDP sockets between all sessions. It answers STUN
// binding requests for registered credentials, matches STUN responses
// to outstanding requests by transaction ID, and routes everything
// else to the handler registered for the sender's address.
type Mux struct {
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.RWMutex
	bases        map[net.PacketConn]*muxBase
	transactions map[[stun.TransactionIDSize]byte]chan *stun.Message
	credentials  map[string]string
	routes       map[routeKey]DataHandler
	closed       bool

	readers sync.WaitGroup
}

type muxBase struct {
	conn    net.PacketConn
	network string
	owned   bool
}

type routeKey struct {
	base   net.PacketConn
	remote netip.AddrPort
}

// NewMux returns a Mux without sockets.
func NewMux(clk clock.Clock, logger *slog.Logger) *Mux {
	return &Mux{
		clock:        clk,
		logger:       logger.With("component", "ice-mux"),
		bases:        make(map[net.PacketConn]*muxBase),
		transactions: make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
		credentials:  make(map[string]string),
		routes:       make(map[routeKey]DataHandler),
	}
}

// Listen opens a UDP socket on port (0 picks one) for network, "udp4"
// or "udp6", and serves it. The Mux closes it on Close.
func (m *Mux) Listen(network string, port uint16) (Socket, error) {
	conn, err := net.ListenUDP(network, &net.UDPAddr{Port: int(port)})
	if err != nil {
		return Socket{}, fmt.Errorf("listening on %s port %d: %w", network, port, err)
	}
	if err := m.attach(conn, network, true); err != nil {
		conn.Close()
		return Socket{}, err
	}
	bound := conn.LocalAddr().(*net.UDPAddr)
	m.logger.Info("listening", "network", network, "port", bound.Port)
	return Socket{Conn: conn, Network: network, Port: uint16(bound.Port)}, nil
}

// Adopt serves conn as one of the Mux's own sockets: candidates are
// gathered on it and Close closes it. conn.LocalAddr must be a
// *net.UDPAddr carrying the port candidates advertise.
func (m *Mux) Adopt(conn net.PacketConn, network string) error {
	if _, ok := conn.LocalAddr().(*net.UDPAddr); !ok {
		return fmt.Errorf("adopting %s socket: local address %v is not UDP", network, conn.LocalAddr())
	}
	return m.attach(conn, network, true)
}

// Attach serves a socket owned by the caller, such as a TURN relay
// allocation. The caller must Detach it before closing it.
func (m *Mux) Attach(conn net.PacketConn, network string) error {
	return m.attach(conn, network, false)
}

func (m *Mux) attach(conn net.PacketConn, network string, owned bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMuxClosed
	}
	base := &muxBase{conn: conn, network: network, owned: owned}
	m.bases[conn] = base
	m.readers.Add(1)
	m.mu.Unlock()

	go m.readLoop(base)
	return nil
}

// Detach stops serving conn and drops its routes. It does not close
// conn; the read loop ends when the owner closes it.
func (m *Mux) Detach(conn net.PacketConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bases, conn)
	for key := range m.routes {
		if key.base == conn {
			delete(m.routes, key)
		}
	}
}

// Sockets returns the sockets opened with Listen.
func (m *Mux) Sockets() []Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sockets []Socket
	for _, base := range m.bases {
		if !base.owned {
			continue
		}
		sockets = append(sockets, Socket{
			Conn:    base.conn,
			Network: base.network,
			Port:    uint16(base.conn.LocalAddr().(*net.UDPAddr).Port),
		})
	}
	return sockets
}

// Register makes the Mux answer binding requests addressed to
// credentials.Ufrag. The returned function unregisters them.
func (m *Mux) Register(credentials Credentials) (release func()) {
	m.mu.Lock()
	m.credentials[credentials.Ufrag] = credentials.Pwd
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		if m.credentials[credentials.Ufrag] == credentials.Pwd {
			delete(m.credentials, credentials.Ufrag)
		}
		m.mu.Unlock()
	}
}

// Route delivers non-STUN packets arriving on base from remote to
// handler until the returned function is called.
func (m *Mux) Route(base net.PacketConn, remote netip.AddrPort, handler DataHandler) (release func(), err error) {
	key := routeKey{base: base, remote: remote}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMuxClosed
	}
	if _, exists := m.routes[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRouteExists, remote)
	}
	m.routes[key] = handler
	return func() {
		m.mu.Lock()
		delete(m.routes, key)
		m.mu.Unlock()
	}, nil
}

// Send writes packet from local's base socket to remote.
func (m *Mux) Send(local Candidate, remote netip.AddrPort, packet []byte) error {
	if local.base == nil {
		return fmt.Errorf("candidate %s has no base socket", local)
	}
	_, err := local.base.WriteTo(packet, net.UDPAddrFromAddrPort(remote))
	return err
}

// Request sends a STUN request from base to remote and waits for the
// response with the same transaction ID, retransmitting with doubling
// timeouts until ctx ends.
func (m *Mux) Request(ctx context.Context, base net.PacketConn, remote netip.AddrPort, request *stun.Message) (*stun.Message, error) {
	responses := make(chan *stun.Message, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMuxClosed
	}
	m.transactions[request.TransactionID] = responses
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.transactions, request.TransactionID)
		m.mu.Unlock()
	}()

	destination := net.UDPAddrFromAddrPort(remote)
	rto := initialRTO
	for {
		if _, err := base.WriteTo(request.Raw, destination); err != nil {
			return nil, fmt.Errorf("sending STUN request to %s: %w", remote, err)
		}
		select {
		case response := <-responses:
			return response, nil
		case <-m.clock.After(rto):
			rto *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Mux) readLoop(base *muxBase) {
	defer m.readers.Done()
	buffer := make([]byte, maxPacketSize)
	for {
		n, from, err := base.conn.ReadFrom(buffer)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) && !m.isClosed() {
				m.logger.Warn("socket read failed", "network", base.network, "error", err)
			}
			return
		}
		source, ok := addrPortOf(from)
		if !ok {
			continue
		}
		packet := buffer[:n]
		if stun.IsMessage(packet) {
			m.handleSTUN(base, packet, source)
			continue
		}
		m.mu.RLock()
		handler := m.routes[routeKey{base: base.conn, remote: source}]
		m.mu.RUnlock()
		if handler != nil {
			handler(packet, source)
		}
	}
}

func (m *Mux) handleSTUN(base *muxBase, packet []byte, from netip.AddrPort) {
	message := new(stun.Message)
	if err := stun.Decode(packet, message); err != nil {
		m.logger.Debug("dropping undecodable STUN message", "from", from, "error", err)
		return
	}
	switch message.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		m.mu.Lock()
		responses, ok := m.transactions[message.TransactionID]
		delete(m.transactions, message.TransactionID)
		m.mu.Unlock()
		if ok {
			responses <- message
		}
	case stun.ClassRequest:
		if message.Type.Method == stun.MethodBinding {
			m.answerBinding(base, message, from)
		}
	}
}

// answerBinding responds to a connectivity check. The USERNAME of a
// check is "<receiver ufrag>:<sender ufrag>" and its integrity is
// keyed with the receiver's password.
func (m *Mux) answerBinding(base *muxBase, request *stun.Message, from netip.AddrPort) {
	var username stun.Username
	if err := username.GetFrom(request); err != nil {
		return
	}
	localUfrag, _, found := strings.Cut(username.String(), ":")
	if !found {
		return
	}
	m.mu.RLock()
	pwd, ok := m.credentials[localUfrag]
	m.mu.RUnlock()
	if !ok {
		return
	}
	integrity := stun.NewShortTermIntegrity(pwd)
	if err := integrity.Check(request); err != nil {
		m.logger.Debug("binding request failed integrity check", "from", from, "security", true)
		return
	}

	response, err := stun.Build(
		stun.NewTransactionIDSetter(request.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())},
		integrity,
		stun.Fingerprint,
	)
	if err != nil {
		m.logger.Warn("building binding response", "error", err)
		return
	}
	if _, err := base.conn.WriteTo(response.Raw, net.UDPAddrFromAddrPort(from)); err != nil {
		m.logger.Debug("sending binding response", "to", from, "error", err)
	}
}

func (m *Mux) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close closes the sockets opened with Listen and waits for their
// readers. Attached sockets stay open for their owners.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var owned []net.PacketConn
	for conn, base := range m.bases {
		if base.owned {
			owned = append(owned, conn)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, conn := range owned {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every read loop has returned.
func (m *Mux) Wait() { m.readers.Wait() }

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	switch typed := addr.(type) {
	case *net.UDPAddr:
		addrPort := typed.AddrPort()
		return netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port()), addrPort.IsValid()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(parsed.Addr().Unmap(), parsed.Port()), true
	}
}
