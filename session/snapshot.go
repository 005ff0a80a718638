// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/bureau-foundation/wiremesh/ice"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// PathInfo describes a candidate pair chosen to carry traffic.
type PathInfo struct {
	Local        string        `cbor:"local"`
	LocalType    string        `cbor:"local_type"`
	Remote       string        `cbor:"remote"`
	RemoteType   string        `cbor:"remote_type"`
	Reachability string        `cbor:"reachability"`
	Priority     uint64        `cbor:"priority"`
	RTT          time.Duration `cbor:"rtt"`

	// Strategy names how the path was spliced into the tunnel. It is
	// empty when splicing failed.
	Strategy string    `cbor:"strategy,omitempty"`
	Since    time.Time `cbor:"since"`
}

func pathInfo(pair *ice.CandidatePair, strategy string, since time.Time) *PathInfo {
	return &PathInfo{
		Local:        pair.Local.Addr.String(),
		LocalType:    pair.Local.Type.String(),
		Remote:       pair.Remote.Addr.String(),
		RemoteType:   pair.Remote.Type.String(),
		Reachability: pair.Reachability().String(),
		Priority:     pair.Priority,
		RTT:          pair.RTT,
		Strategy:     strategy,
		Since:        since,
	}
}

// PairCounts tallies candidate pairs by state.
type PairCounts struct {
	Waiting    int `cbor:"waiting"`
	InProgress int `cbor:"in_progress"`
	Succeeded  int `cbor:"succeeded"`
	Failed     int `cbor:"failed"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	Peer  crypto.Key `cbor:"peer"`
	State string     `cbor:"state"`
	Role  string     `cbor:"role"`

	Generation       uint64 `cbor:"generation"`
	RemoteGeneration uint64 `cbor:"remote_generation"`
	Restarts         int    `cbor:"restarts"`

	CreatedAt  time.Time `cbor:"created_at"`
	ChangedAt  time.Time `cbor:"changed_at"`
	ActivePath *PathInfo `cbor:"active_path,omitempty"`

	// Usable is false while connected if the path could not be
	// spliced into the tunnel.
	Usable bool `cbor:"usable"`

	LocalCandidates  int        `cbor:"local_candidates"`
	RemoteCandidates int        `cbor:"remote_candidates"`
	Pairs            PairCounts `cbor:"pairs"`
	MissedKeepalives int        `cbor:"missed_keepalives"`

	LastError string `cbor:"last_error,omitempty"`
}
