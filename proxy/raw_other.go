// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"runtime"
)

// ListenRaw is only available on Linux.
func ListenRaw(port uint16, logger *slog.Logger) (net.PacketConn, error) {
	return nil, fmt.Errorf("%w: raw sockets are not supported on %s", ErrStrategyUnavailable, runtime.GOOS)
}
