// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the wiremesh
// binaries. Errors that end a binary are reported here, on stderr,
// because they may happen before the structured logger exists.
package process
