// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Wiremesh-signal is the WebSocket signaling relay behind ws:// and
// wss:// backend URLs. It forwards sealed envelopes between daemons
// subscribed to the recipient key and keeps nothing else: no history,
// no accounts, no peer list. Envelopes for keys nobody is subscribed
// to are dropped.
//
// The relay cannot read what it forwards. TLS is optional and only
// hides which keys talk to each other.
package main
