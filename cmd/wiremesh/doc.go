// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Wiremesh is the operator CLI. It generates WireGuard keys, and talks
// to a running wiremesh-daemon over its control socket to show
// sessions, follow session events, and restart or remove peers.
//
// The daemon is found by interface name (/run/wiremesh/<interface>.sock)
// or by an explicit --socket, which also defaults to $WIREMESH_SOCKET.
package main
