// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Wiremesh-daemon negotiates direct paths to the peers of one
// WireGuard interface. It opens the tunnel device, the shared ICE
// sockets and the configured signaling backends, runs one session per
// peer, and splices every path a session settles on into the device.
//
// The daemon serves a control socket for the wiremesh CLI and, when
// metrics.listen is configured, a Prometheus endpoint fed from session
// events. SIGINT or SIGTERM tears all sessions down, releases their
// splicer bindings and exits.
package main
