// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// State is the lifecycle state of a session.
type State uint8

const (
	StateUnknown State = iota
	StateIdle
	StateNew
	StateConnecting
	StateChecking
	StateConnected
	StateCompleted
	StateFailed
	StateDisconnected
	StateClosed
)

var stateNames = [...]string{
	StateUnknown:      "unknown",
	StateIdle:         "idle",
	StateNew:          "new",
	StateConnecting:   "connecting",
	StateChecking:     "checking",
	StateConnected:    "connected",
	StateCompleted:    "completed",
	StateFailed:       "failed",
	StateDisconnected: "disconnected",
	StateClosed:       "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for state, candidate := range stateNames {
		if candidate == name {
			return State(state), nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown session state %q", name)
}

// transitions lists the states reachable from each state. Closed is
// reachable from every started state: removal and restarts tear the
// session down wherever it is.
var transitions = map[State][]State{
	StateUnknown:      {StateIdle},
	StateIdle:         {StateNew, StateClosed},
	StateNew:          {StateConnecting, StateFailed, StateClosed},
	StateConnecting:   {StateChecking, StateFailed, StateClosed},
	StateChecking:     {StateConnected, StateFailed, StateClosed},
	StateConnected:    {StateCompleted, StateDisconnected, StateClosed},
	StateCompleted:    {StateDisconnected, StateClosed},
	StateFailed:       {StateClosed},
	StateDisconnected: {StateClosed},
	StateClosed:       {StateIdle},
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Connected reports whether the session has an active path.
func (s State) Connected() bool {
	return s == StateConnected || s == StateCompleted
}

// negotiating reports whether candidates and checks are processed.
func (s State) negotiating() bool {
	switch s {
	case StateNew, StateConnecting, StateChecking, StateConnected, StateCompleted:
		return true
	}
	return false
}

// Role is the ICE role of the local agent in a session.
type Role uint8

const (
	RoleControlled Role = iota
	RoleControlling
)

func (r Role) String() string {
	if r == RoleControlling {
		return "controlling"
	}
	return "controlled"
}

// DeriveRole decides the role from the two public keys alone: the
// lexicographically smaller key controls. Both peers reach opposite
// answers without exchanging anything.
func DeriveRole(local, remote crypto.Key) Role {
	if local.Compare(remote) < 0 {
		return RoleControlling
	}
	return RoleControlled
}
