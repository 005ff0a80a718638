// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session negotiates connectivity with remote peers. A
// [Session] runs the connection state machine for one peer: it
// exchanges ICE credentials and candidates over signaling, checks
// candidate pairs, keeps the chosen path alive, and hands it to a
// [PathBinder] that splices it into the tunnel. The [Registry] owns
// every session of a daemon.
//
// Each session is driven by a single goroutine that drains an
// unbounded mailbox. Signaling callbacks, gathering, probes, and
// timers only post to the mailbox, so no session state is shared
// between goroutines.
//
// # Generations
//
// Every negotiation attempt carries the sender's generation, a number
// seeded from the clock that grows each time a peer restarts locally.
// Messages from a generation older than the one accepted are dropped,
// equal ones are duplicates, and newer credentials mean the remote
// peer started over. A session follows a remote restart without
// changing its own generation, so the remote's new attempt, which is
// already paired with that generation, stays valid and two peers
// never chase each other's restarts.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/backoff"
	"github.com/bureau-foundation/wiremesh/lib/clock"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/signaling"
)

// Signaler sends a message to one peer. [signaling.Channel]
// implements it.
type Signaler interface {
	Send(ctx context.Context, to crypto.Key, message *signaling.Message) error
}

// Gatherer starts candidate discovery. [ice.Gatherer] implements it.
type Gatherer interface {
	Gather(ctx context.Context) (ice.Gathering, error)
}

// PathBinder splices a working candidate pair into the data plane.
type PathBinder interface {
	// Bind makes pair carry the tunnel traffic for peer, replacing
	// any earlier binding, and names the strategy that did it.
	Bind(ctx context.Context, peer crypto.Key, pair *ice.CandidatePair) (strategy string, err error)

	// Release removes the binding for peer, if any.
	Release(ctx context.Context, peer crypto.Key) error
}

// Environment holds the collaborators shared by every session.
type Environment struct {
	Local    crypto.KeyPair
	Signaler Signaler
	Gatherer Gatherer
	Prober   ice.Prober

	// Binder is optional. Without it an active path is reported but
	// not spliced anywhere.
	Binder PathBinder

	Clock  clock.Clock
	Events *EventHub
	Logger *slog.Logger
}

type timerKind uint8

const (
	timerCredentials timerKind = iota
	timerFailed
	timerCompletion
	timerKeepalive
	timerRestart
	timerCount
)

// newCredentials is replaced in tests to make the first attempt fail.
var newCredentials = ice.NewCredentials

// Mailbox items.
type (
	inboundMessage struct {
		message *signaling.Message
	}
	gatherResult struct {
		attempt *attempt
		event   ice.GatherEvent
	}
	probeResult struct {
		attempt   *attempt
		key       string
		keepalive bool
		rtt       time.Duration
		err       error
	}
	timerFired struct {
		kind     timerKind
		sequence uint64
	}
	restartRequest struct {
		reason string
	}
)

// attempt is the state of one negotiation, from entering Idle until
// teardown. Results from goroutines carry the attempt they belong to
// and are ignored once it is replaced.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	work   sync.WaitGroup

	gathering        ice.Gathering
	localCandidates  []ice.Candidate
	remoteCandidates []ice.Candidate
	localKeys        map[string]bool
	remoteKeys       map[string]bool
	localDone        bool
	remoteDone       bool

	pairs     []*ice.CandidatePair
	pairIndex map[string]*ice.CandidatePair
	nextOrder int
	inFlight  int
	exhausted bool

	active      *ice.CandidatePair
	activeSince time.Time
	strategy    string
	bound       bool
	usable      bool
	missed      int
}

func newAttempt(parent context.Context) *attempt {
	ctx, cancel := context.WithCancel(parent)
	return &attempt{
		ctx:        ctx,
		cancel:     cancel,
		localKeys:  make(map[string]bool),
		remoteKeys: make(map[string]bool),
		pairIndex:  make(map[string]*ice.CandidatePair),
	}
}

// Session is the connection state machine for one remote peer.
type Session struct {
	peer       crypto.Key
	role       Role
	env        Environment
	config     Config
	logger     *slog.Logger
	createdAt  time.Time
	tieBreaker uint64

	inbox      *mailbox[any]
	outbox     *mailbox[*signaling.Message]
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	senderDone chan struct{}
	snapshot   atomic.Pointer[Snapshot]

	// Everything below is owned by the run goroutine.

	state     State
	changedAt time.Time

	generation    uint64
	credentials   ice.Credentials
	releaseAccept func()

	remoteGeneration  uint64
	remoteFloor       uint64
	remoteCredentials ice.Credentials
	buffered          []*signaling.Message

	current *attempt

	timers         [timerCount]*clock.Timer
	timerSequences [timerCount]uint64

	credentialBackoff *backoff.Backoff
	restartBackoff    *backoff.Backoff
	restarts          int
	lastError         error
}

func newSession(peer crypto.Key, env Environment, config Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	var seed [8]byte
	rand.Read(seed[:])
	now := env.Clock.Now()
	s := &Session{
		peer:       peer,
		role:       DeriveRole(env.Local.Public, peer),
		env:        env,
		config:     config,
		logger:     env.Logger.With("peer", peer.Short()),
		createdAt:  now,
		tieBreaker: binary.BigEndian.Uint64(seed[:]),
		inbox:      newMailbox[any](),
		outbox:     newMailbox[*signaling.Message](),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		senderDone: make(chan struct{}),
		changedAt:  now,

		credentialBackoff: backoff.New(config.CredentialBackoff),
		restartBackoff:    backoff.New(config.RestartBackoff),
	}
	s.publishSnapshot()
	return s
}

func (s *Session) start() {
	go s.send()
	go s.run()
}

// Peer returns the remote peer's identity.
func (s *Session) Peer() crypto.Key { return s.peer }

// Role returns the local agent's ICE role in this session.
func (s *Session) Role() Role { return s.role }

// Snapshot returns the session's most recently published state.
func (s *Session) Snapshot() Snapshot { return *s.snapshot.Load() }

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver hands an inbound signaling message to the session.
func (s *Session) Deliver(message *signaling.Message) {
	s.inbox.post(inboundMessage{message: message})
}

// Restart abandons the current negotiation and starts a fresh one
// with a new generation.
func (s *Session) Restart(reason string) {
	s.inbox.post(restartRequest{reason: reason})
}

// Close tears the session down and waits for it to finish or for ctx
// to end.
func (s *Session) Close(ctx context.Context) error {
	s.cancel()
	for _, done := range []chan struct{}{s.done, s.senderDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	s.begin(true, nil)
	s.publishSnapshot()
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case <-s.inbox.notify:
		}
		for _, item := range s.inbox.drain() {
			s.handle(item)
		}
		s.publishSnapshot()
	}
}

func (s *Session) handle(item any) {
	switch item := item.(type) {
	case inboundMessage:
		s.handleMessage(item.message)
	case gatherResult:
		s.handleGather(item)
	case probeResult:
		s.handleProbe(item)
	case timerFired:
		s.handleTimer(item)
	case restartRequest:
		s.restartNow(item.reason, true, nil)
	}
}

func (s *Session) shutdown() {
	s.teardown()
	if s.state != StateClosed && s.state != StateUnknown {
		s.transition(StateClosed)
	}
	s.publishSnapshot()
	s.logger.Info("session closed", "restarts", s.restarts)
}

// send publishes queued messages in order until the session ends.
// Each publish is bounded by the signaler's own deadline.
func (s *Session) send() {
	defer close(s.senderDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.outbox.notify:
		}
		for _, message := range s.outbox.drain() {
			if err := s.env.Signaler.Send(s.ctx, s.peer, message); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Debug("signaling publish failed",
					"kind", message.Kind(),
					"generation", message.Generation,
					"error", err,
				)
			}
		}
	}
}

func (s *Session) publish(message *signaling.Message) {
	s.outbox.post(message)
}

func (s *Session) sendCredentials(need bool) {
	s.publish(&signaling.Message{
		Generation: s.generation,
		Credentials: &signaling.Credentials{
			Ufrag:           s.credentials.Ufrag,
			Pwd:             s.credentials.Pwd,
			NeedCredentials: need,
		},
	})
}

func (s *Session) transition(to State) {
	from := s.state
	if !from.CanTransition(to) {
		s.logger.Error("refusing invalid session transition", "from", from.String(), "to", to.String())
		return
	}
	s.state = to
	s.changedAt = s.env.Clock.Now()
	s.logger.Info("session state changed",
		"from", from.String(),
		"to", to.String(),
		"generation", s.generation,
	)
	s.emit(Event{Type: EventStateChanged, From: from, To: to})
}

func (s *Session) emit(event Event) {
	s.publishSnapshot()
	if s.env.Events == nil {
		return
	}
	event.ID = uuid.New()
	event.Time = s.env.Clock.Now()
	event.Peer = s.peer
	event.Generation = s.generation
	s.env.Events.Publish(event)
}

func (s *Session) schedule(kind timerKind, delay time.Duration) {
	s.cancelTimer(kind)
	sequence := s.timerSequences[kind]
	s.timers[kind] = s.env.Clock.AfterFunc(delay, func() {
		s.inbox.post(timerFired{kind: kind, sequence: sequence})
	})
}

// cancelTimer stops a timer. Bumping the sequence also voids a firing
// that is already in the mailbox.
func (s *Session) cancelTimer(kind timerKind) {
	if timer := s.timers[kind]; timer != nil {
		timer.Stop()
		s.timers[kind] = nil
	}
	s.timerSequences[kind]++
}

func (s *Session) nextGeneration() uint64 {
	next := uint64(s.env.Clock.Now().UnixNano())
	if next <= s.generation {
		next = s.generation + 1
	}
	return next
}

// begin enters Idle with a new attempt. A fresh attempt gets a new
// generation and credentials; otherwise both are kept because the
// remote peer has already paired with them. If pending holds remote
// credentials they are accepted at once.
func (s *Session) begin(fresh bool, pending *signaling.Message) {
	if fresh || s.credentials.IsZero() {
		credentials, err := newCredentials()
		if err != nil {
			s.lastError = err
			s.logger.Error("generating ICE credentials failed", "error", err)
			s.schedule(timerRestart, s.restartBackoff.Next())
			return
		}
		s.credentials = credentials
		s.generation = s.nextGeneration()
	}
	s.current = newAttempt(s.ctx)
	s.releaseAccept = s.env.Prober.Accept(s.credentials)
	s.remoteFloor = max(s.remoteFloor, s.remoteGeneration)
	s.remoteGeneration = 0
	s.remoteCredentials = ice.Credentials{}
	s.transition(StateIdle)

	if pending != nil && pending.Generation >= s.remoteFloor {
		s.accept(pending)
		return
	}
	s.credentialBackoff.Reset()
	s.sendCredentials(true)
	s.schedule(timerCredentials, s.credentialBackoff.Next())
}

// teardown stops everything the current attempt started: timers,
// probes, gathering, the splice, and answering checks.
func (s *Session) teardown() {
	for kind := range timerCount {
		s.cancelTimer(kind)
	}
	a := s.current
	if a == nil {
		return
	}
	s.current = nil
	a.cancel()
	if a.gathering != nil {
		a.gathering.Close()
	}
	a.work.Wait()
	if a.bound && s.env.Binder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.BindTimeout)
		if err := s.env.Binder.Release(ctx, s.peer); err != nil {
			s.logger.Warn("releasing path binding failed", "error", err)
		}
		cancel()
	}
	if s.releaseAccept != nil {
		s.releaseAccept()
		s.releaseAccept = nil
	}
}

// restartNow tears the attempt down and begins again without delay.
func (s *Session) restartNow(reason string, fresh bool, pending *signaling.Message) {
	s.logger.Info("restarting session", "reason", reason, "generation", s.generation)
	s.teardown()
	s.restarts++
	if s.state != StateClosed && s.state != StateUnknown {
		s.transition(StateClosed)
	}
	s.begin(fresh, pending)
}

// fail ends the attempt through via (Failed or Disconnected) and
// schedules a fresh one after the restart backoff.
func (s *Session) fail(via State, err error) {
	s.lastError = err
	s.transition(via)
	if via == StateFailed {
		s.emit(Event{Type: EventConnectivityFailed, Error: err.Error()})
	}
	s.teardown()
	s.transition(StateClosed)
	delay := s.restartBackoff.Next()
	s.logger.Warn("session attempt ended", "error", err, "retry_in", delay)
	s.schedule(timerRestart, delay)
}

func (s *Session) handleMessage(message *signaling.Message) {
	switch {
	case message.Credentials != nil:
		s.handleCredentials(message)
	case message.Candidate != nil, message.CandidatesDone != nil:
		s.handleCandidateMessage(message)
	}
}

func (s *Session) handleCredentials(message *signaling.Message) {
	generation := message.Generation
	switch {
	case s.current == nil:
		// Closed, or Unknown after the first attempt could not start.
		if generation > max(s.remoteFloor, s.remoteGeneration) {
			// The remote peer started over; there is no reason to
			// wait out the restart backoff.
			s.cancelTimer(timerRestart)
			s.restarts++
			s.begin(true, message)
		}
	case s.state == StateIdle:
		if generation < s.remoteFloor {
			s.logger.Debug("dropping stale credentials", "generation", generation, "floor", s.remoteFloor)
			return
		}
		s.accept(message)
	case generation < s.remoteGeneration:
		s.logger.Debug("dropping stale credentials", "generation", generation, "accepted", s.remoteGeneration)
	case generation == s.remoteGeneration:
		if message.Credentials.NeedCredentials {
			s.sendCredentials(false)
		}
	default:
		s.restartNow("remote peer restarted", false, message)
	}
}

// accept takes the remote credentials of message and moves to New.
func (s *Session) accept(message *signaling.Message) {
	s.cancelTimer(timerCredentials)
	s.remoteGeneration = message.Generation
	s.remoteCredentials = ice.Credentials{
		Ufrag: message.Credentials.Ufrag,
		Pwd:   message.Credentials.Pwd,
	}
	s.transition(StateNew)
	if message.Credentials.NeedCredentials {
		s.sendCredentials(false)
	}
	s.schedule(timerFailed, s.config.FailedTimeout)
	s.startGathering()
	s.replayBuffered()
}

func (s *Session) startGathering() {
	a := s.current
	gathering, err := s.env.Gatherer.Gather(a.ctx)
	if err != nil {
		s.logger.Warn("candidate gathering failed", "error", err)
		s.emit(Event{Type: EventDiscoveryDegraded, Error: err.Error()})
		a.localDone = true
		s.publish(&signaling.Message{Generation: s.generation, CandidatesDone: &signaling.CandidatesDone{}})
		return
	}
	a.gathering = gathering
	a.work.Add(1)
	go func() {
		defer a.work.Done()
		for event := range gathering.Events() {
			s.inbox.post(gatherResult{attempt: a, event: event})
		}
	}()
}

func (s *Session) handleGather(result gatherResult) {
	a := s.current
	if result.attempt != a || !s.state.negotiating() {
		return
	}
	event := result.event
	switch {
	case event.Candidate != nil:
		candidate := *event.Candidate
		key := candidate.Key()
		if a.localKeys[key] {
			return
		}
		a.localKeys[key] = true
		a.localCandidates = append(a.localCandidates, candidate)
		s.publish(&signaling.Message{Generation: s.generation, Candidate: candidateToWire(candidate)})
		for _, remote := range a.remoteCandidates {
			s.addPair(candidate, remote)
		}
		s.runChecks()
	case event.Degraded != nil:
		s.logger.Warn("candidate discovery degraded", "error", event.Degraded)
		s.emit(Event{Type: EventDiscoveryDegraded, Error: event.Degraded.Error()})
	case event.Done:
		a.localDone = true
		s.publish(&signaling.Message{Generation: s.generation, CandidatesDone: &signaling.CandidatesDone{}})
		s.checkExhausted()
	}
}

func (s *Session) handleCandidateMessage(message *signaling.Message) {
	generation := message.Generation
	switch {
	case s.current == nil || s.state == StateIdle:
		if generation >= max(s.remoteFloor, s.remoteGeneration) {
			s.buffer(message)
		}
	case generation < s.remoteGeneration:
		s.logger.Debug("dropping stale candidate message", "generation", generation, "accepted", s.remoteGeneration)
	case generation > s.remoteGeneration:
		s.buffer(message)
	default:
		s.applyCandidateMessage(message)
	}
}

// buffer holds a candidate message until the credentials of its
// generation arrive. The oldest message is dropped when full.
func (s *Session) buffer(message *signaling.Message) {
	if len(s.buffered) >= s.config.MaxBufferedMessages {
		s.buffered = s.buffered[1:]
	}
	s.buffered = append(s.buffered, message)
}

func (s *Session) replayBuffered() {
	var replay []*signaling.Message
	kept := s.buffered[:0]
	for _, message := range s.buffered {
		switch {
		case message.Generation == s.remoteGeneration:
			replay = append(replay, message)
		case message.Generation > s.remoteGeneration:
			kept = append(kept, message)
		}
	}
	s.buffered = kept
	for _, message := range replay {
		s.applyCandidateMessage(message)
	}
}

func (s *Session) applyCandidateMessage(message *signaling.Message) {
	a := s.current
	if message.CandidatesDone != nil {
		a.remoteDone = true
		s.checkExhausted()
		return
	}
	candidate, err := candidateFromWire(message.Candidate)
	if err != nil {
		s.logger.Warn("dropping malformed remote candidate", "error", err)
		return
	}
	key := candidate.Key()
	if a.remoteKeys[key] {
		return
	}
	a.remoteKeys[key] = true
	a.remoteCandidates = append(a.remoteCandidates, candidate)
	s.logger.Debug("remote candidate received", "candidate", candidate.String())
	if s.state == StateNew {
		s.transition(StateConnecting)
	}
	for _, local := range a.localCandidates {
		s.addPair(local, candidate)
	}
	s.runChecks()
}

// addPair forms a pair unless it exists or the networks differ. New
// pairs give the negotiation a fresh failure deadline.
func (s *Session) addPair(local, remote ice.Candidate) {
	if local.Network != remote.Network {
		return
	}
	a := s.current
	pair := ice.NewPair(local, remote, s.role == RoleControlling, a.nextOrder)
	key := pair.Key()
	if _, exists := a.pairIndex[key]; exists {
		return
	}
	a.nextOrder++
	a.pairs = append(a.pairs, pair)
	a.pairIndex[key] = pair
	switch s.state {
	case StateNew, StateConnecting, StateChecking:
		a.exhausted = false
		s.schedule(timerFailed, s.config.FailedTimeout)
	}
}

// runChecks starts waiting pairs, best first, until the pool is full.
func (s *Session) runChecks() {
	switch s.state {
	case StateConnecting, StateChecking, StateConnected, StateCompleted:
	default:
		return
	}
	a := s.current
	for a.inFlight < s.config.MaxConcurrentChecks {
		var next *ice.CandidatePair
		for _, pair := range a.pairs {
			if pair.State == ice.PairWaiting && (next == nil || pair.Better(next)) {
				next = pair
			}
		}
		if next == nil {
			break
		}
		next.State = ice.PairInProgress
		a.inFlight++
		s.probe(a, next, false)
	}
	if s.state == StateConnecting && a.inFlight > 0 {
		s.transition(StateChecking)
	}
}

func (s *Session) probe(a *attempt, pair *ice.CandidatePair, keepalive bool) {
	request := ice.ProbeRequest{
		Pair:        clonePair(pair),
		Local:       s.credentials,
		Remote:      s.remoteCredentials,
		Controlling: s.role == RoleControlling,
		TieBreaker:  s.tieBreaker,
	}
	key := pair.Key()
	a.work.Add(1)
	go func() {
		defer a.work.Done()
		ctx, cancel := context.WithTimeout(a.ctx, s.config.CheckTimeout)
		defer cancel()
		rtt, err := s.env.Prober.Probe(ctx, request)
		s.inbox.post(probeResult{attempt: a, key: key, keepalive: keepalive, rtt: rtt, err: err})
	}()
}

func clonePair(pair *ice.CandidatePair) *ice.CandidatePair {
	clone := *pair
	return &clone
}

func (s *Session) handleProbe(result probeResult) {
	a := s.current
	if result.attempt != a {
		return
	}
	if result.keepalive {
		s.handleKeepalive(result)
		return
	}
	a.inFlight--
	pair := a.pairIndex[result.key]
	if result.err != nil {
		pair.State = ice.PairFailed
		s.logger.Debug("connectivity check failed", "pair", pair.String(), "error", result.err)
	} else {
		pair.State = ice.PairSucceeded
		pair.RTT = result.rtt
		s.logger.Debug("connectivity check succeeded", "pair", pair.String(), "rtt", result.rtt)
	}

	switch s.state {
	case StateChecking:
		if best := s.bestSucceeded(nil); best != nil {
			s.connect(best)
		}
	case StateConnected:
		if best := s.bestSucceeded(nil); best != nil && best != a.active && best.Better(a.active) {
			s.activate(best)
		}
	}
	s.runChecks()
	s.checkExhausted()
}

func (s *Session) bestSucceeded(exclude *ice.CandidatePair) *ice.CandidatePair {
	var best *ice.CandidatePair
	for _, pair := range s.current.pairs {
		if pair.State != ice.PairSucceeded || pair == exclude {
			continue
		}
		if best == nil || pair.Better(best) {
			best = pair
		}
	}
	return best
}

// checkExhausted shortens the failure deadline once both sides have
// finished gathering and every pair has failed. The deadline is not
// cut to zero: candidates may still arrive after CandidatesDone.
func (s *Session) checkExhausted() {
	switch s.state {
	case StateNew, StateConnecting, StateChecking:
	default:
		return
	}
	a := s.current
	if !a.localDone || !a.remoteDone || a.exhausted {
		return
	}
	for _, pair := range a.pairs {
		if pair.State != ice.PairFailed {
			return
		}
	}
	a.exhausted = true
	s.schedule(timerFailed, s.config.CheckTimeout)
}

func (s *Session) connect(pair *ice.CandidatePair) {
	s.cancelTimer(timerFailed)
	s.restartBackoff.Reset()
	s.activate(pair)
	s.transition(StateConnected)
	s.schedule(timerCompletion, s.config.CompletionGrace)
	s.schedule(timerKeepalive, s.config.KeepaliveInterval)
}

// activate makes pair the active path and splices it into the tunnel.
// A failed splice leaves the path active but unusable.
func (s *Session) activate(pair *ice.CandidatePair) {
	a := s.current
	a.active = pair
	a.activeSince = s.env.Clock.Now()
	a.missed = 0
	a.strategy = ""
	a.usable = true

	var bindErr error
	if s.env.Binder != nil {
		ctx, cancel := context.WithTimeout(a.ctx, s.config.BindTimeout)
		strategy, err := s.env.Binder.Bind(ctx, s.peer, clonePair(pair))
		cancel()
		if err != nil {
			bindErr = err
			a.usable = false
		} else {
			a.bound = true
			a.strategy = strategy
		}
	}

	s.logger.Info("active path selected",
		"local", pair.Local.String(),
		"remote", pair.Remote.String(),
		"reachability", pair.Reachability().String(),
		"strategy", a.strategy,
	)
	s.emit(Event{Type: EventActivePathChanged, Path: pathInfo(pair, a.strategy, a.activeSince)})
	if bindErr != nil {
		s.lastError = bindErr
		s.logger.Error("splicing active path into the tunnel failed", "error", bindErr)
		s.emit(Event{Type: EventDataPathUnavailable, Path: pathInfo(pair, "", a.activeSince), Error: bindErr.Error()})
	}
}

func (s *Session) handleKeepalive(result probeResult) {
	a := s.current
	if !s.state.Connected() {
		return
	}
	pair := a.pairIndex[result.key]
	if pair != a.active {
		s.schedule(timerKeepalive, s.config.KeepaliveInterval)
		return
	}
	if result.err == nil {
		a.missed = 0
		pair.RTT = result.rtt
		s.schedule(timerKeepalive, s.config.KeepaliveInterval)
		return
	}

	a.missed++
	s.logger.Warn("keepalive missed", "missed", a.missed, "pair", pair.String(), "error", result.err)
	s.emit(Event{Type: EventKeepaliveMissed, Missed: a.missed})
	if a.missed < s.config.MaxMissedKeepalives {
		s.schedule(timerKeepalive, s.config.KeepaliveInterval)
		return
	}

	pair.State = ice.PairFailed
	if alternate := s.bestSucceeded(pair); alternate != nil {
		s.logger.Info("active path lost, switching to alternate", "pair", alternate.String())
		s.activate(alternate)
		s.schedule(timerKeepalive, s.config.KeepaliveInterval)
		return
	}
	s.fail(StateDisconnected, fmt.Errorf("active path lost after %d missed keepalives", a.missed))
}

func (s *Session) handleTimer(fired timerFired) {
	if fired.sequence != s.timerSequences[fired.kind] {
		return
	}
	s.timers[fired.kind] = nil
	switch fired.kind {
	case timerCredentials:
		if s.state == StateIdle {
			s.sendCredentials(true)
			s.schedule(timerCredentials, s.credentialBackoff.Next())
		}
	case timerFailed:
		switch s.state {
		case StateNew, StateConnecting, StateChecking:
			if s.current.exhausted {
				s.fail(StateFailed, fmt.Errorf("%w: all %d candidate pairs failed", ErrConnectivityFailed, len(s.current.pairs)))
			} else {
				s.fail(StateFailed, fmt.Errorf("%w: no candidate pair succeeded within %v", ErrConnectivityFailed, s.config.FailedTimeout))
			}
		}
	case timerCompletion:
		if s.state == StateConnected {
			s.transition(StateCompleted)
		}
	case timerKeepalive:
		if a := s.current; s.state.Connected() && a.active != nil {
			s.probe(a, a.active, true)
		}
	case timerRestart:
		if s.current == nil {
			s.restarts++
			s.begin(true, nil)
		}
	}
}

func (s *Session) publishSnapshot() {
	snapshot := &Snapshot{
		Peer:             s.peer,
		State:            s.state.String(),
		Role:             s.role.String(),
		Generation:       s.generation,
		RemoteGeneration: s.remoteGeneration,
		Restarts:         s.restarts,
		CreatedAt:        s.createdAt,
		ChangedAt:        s.changedAt,
	}
	if s.lastError != nil {
		snapshot.LastError = s.lastError.Error()
	}
	if a := s.current; a != nil {
		snapshot.LocalCandidates = len(a.localCandidates)
		snapshot.RemoteCandidates = len(a.remoteCandidates)
		snapshot.MissedKeepalives = a.missed
		for _, pair := range a.pairs {
			switch pair.State {
			case ice.PairWaiting:
				snapshot.Pairs.Waiting++
			case ice.PairInProgress:
				snapshot.Pairs.InProgress++
			case ice.PairSucceeded:
				snapshot.Pairs.Succeeded++
			case ice.PairFailed:
				snapshot.Pairs.Failed++
			}
		}
		if a.active != nil && s.state.Connected() {
			snapshot.ActivePath = pathInfo(a.active, a.strategy, a.activeSince)
			snapshot.Usable = a.usable
		}
	}
	s.snapshot.Store(snapshot)
}
