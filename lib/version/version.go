// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of wiremesh binaries.
// Release builds set the variables with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/wiremesh/lib/version.Commit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release version.
	Version = "0.1.0-dev"

	// Commit is the short git revision.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String returns the one-line form printed by --version.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, BuildTime)
}

// Full adds the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  go: %s\n  platform: %s/%s", String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
