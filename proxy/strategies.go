// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/wiremesh/lib/command"
	"github.com/bureau-foundation/wiremesh/tunnel"
)

// DefaultStrategies is the preference order used when none is
// configured.
var DefaultStrategies = []string{"nat", "raw", "user", "bind"}

// Dependencies are what the strategies are built from.
type Dependencies struct {
	Mux    PacketMux
	Device tunnel.Device

	// Runner and NFTPath drive the nat strategy.
	Runner  command.Runner
	NFTPath string

	Logger *slog.Logger
}

// BuildStrategies constructs the named strategies in order. The bind
// strategy is built even for kernel devices and reports itself
// unavailable when asked to bind.
func BuildStrategies(names []string, deps Dependencies) ([]Strategy, error) {
	if len(names) == 0 {
		names = DefaultStrategies
	}
	runner := deps.Runner
	if runner == nil {
		runner = command.Exec{}
	}
	plane, _ := deps.Device.(tunnel.DataPlane)

	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case "nat":
			strategies = append(strategies, NewNATStrategy(runner, deps.NFTPath, deps.Device.Name(), deps.Device.ListenPort, deps.Logger))
		case "raw":
			strategies = append(strategies, NewRawStrategy(deps.Device.ListenPort))
		case "user":
			strategies = append(strategies, NewUserStrategy(deps.Mux, deps.Device.ListenPort, deps.Logger))
		case "bind":
			strategies = append(strategies, NewBindStrategy(deps.Mux, plane))
		default:
			return nil, fmt.Errorf("unknown proxy strategy %q", name)
		}
	}
	return strategies, nil
}
