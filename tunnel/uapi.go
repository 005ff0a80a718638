// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
)

// uapiConfig builds a configuration in the cross-platform userspace
// API format: key=value lines, where public_key starts a peer section.
type uapiConfig struct {
	builder strings.Builder
}

func newUAPIConfig() *uapiConfig { return &uapiConfig{} }

func (c *uapiConfig) set(key, value string) *uapiConfig {
	c.builder.WriteString(key)
	c.builder.WriteByte('=')
	c.builder.WriteString(value)
	c.builder.WriteByte('\n')
	return c
}

func (c *uapiConfig) peer(key crypto.Key) *uapiConfig {
	return c.set("public_key", key.Hex())
}

func (c *uapiConfig) String() string { return c.builder.String() }

// uapiState is a parsed "get" response.
type uapiState struct {
	listenPort uint16
	peers      []Peer
}

// parseUAPI parses the output of a "get=1" operation. Peers are
// returned sorted by key.
func parseUAPI(text string) (uapiState, error) {
	var state uapiState
	var current *Peer
	var handshakeSeconds, handshakeNanos int64
	finish := func() {
		if current == nil {
			return
		}
		if handshakeSeconds != 0 || handshakeNanos != 0 {
			current.LastHandshake = time.Unix(handshakeSeconds, handshakeNanos)
		}
		state.peers = append(state.peers, *current)
		current = nil
		handshakeSeconds, handshakeNanos = 0, 0
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return uapiState{}, fmt.Errorf("malformed uapi line %q", line)
		}
		if key == "public_key" {
			finish()
			raw, err := hex.DecodeString(value)
			if err != nil {
				return uapiState{}, fmt.Errorf("uapi public_key: %w", err)
			}
			publicKey, err := crypto.KeyFromBytes(raw)
			if err != nil {
				return uapiState{}, fmt.Errorf("uapi public_key: %w", err)
			}
			current = &Peer{PublicKey: publicKey}
			continue
		}
		if current == nil {
			if key == "listen_port" {
				port, err := strconv.ParseUint(value, 10, 16)
				if err != nil {
					return uapiState{}, fmt.Errorf("uapi listen_port: %w", err)
				}
				state.listenPort = uint16(port)
			}
			continue
		}

		var err error
		switch key {
		case "endpoint":
			current.Endpoint, err = netip.ParseAddrPort(value)
		case "allowed_ip":
			var prefix netip.Prefix
			prefix, err = netip.ParsePrefix(value)
			current.AllowedIPs = append(current.AllowedIPs, prefix)
		case "last_handshake_time_sec":
			handshakeSeconds, err = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			handshakeNanos, err = strconv.ParseInt(value, 10, 64)
		case "rx_bytes":
			current.ReceiveBytes, err = strconv.ParseInt(value, 10, 64)
		case "tx_bytes":
			current.TransmitBytes, err = strconv.ParseInt(value, 10, 64)
		case "persistent_keepalive_interval":
			var seconds int64
			seconds, err = strconv.ParseInt(value, 10, 64)
			current.PersistentKeepalive = time.Duration(seconds) * time.Second
		}
		if err != nil {
			return uapiState{}, fmt.Errorf("uapi %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return uapiState{}, err
	}
	finish()
	slices.SortFunc(state.peers, func(a, b Peer) int { return a.PublicKey.Compare(b.PublicKey) })
	return state, nil
}
