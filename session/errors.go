// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	// ErrConnectivityFailed is recorded when no candidate pair
	// succeeded: every pair failed after both sides finished
	// gathering, or the failure timeout elapsed first.
	ErrConnectivityFailed = errors.New("session: connectivity failed")

	// ErrRegistryClosed is returned by operations on a closed Registry.
	ErrRegistryClosed = errors.New("session: registry closed")

	// ErrUnknownPeer is returned for operations on a peer without a
	// session.
	ErrUnknownPeer = errors.New("session: unknown peer")

	// ErrSelf is returned when asked to create a session with the
	// local identity.
	ErrSelf = errors.New("session: peer is the local identity")
)
