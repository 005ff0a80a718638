// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree behind the wiremesh binary: flag
// parsing with pflag, subcommand dispatch with typo suggestions, help
// output, and the shared --json and exit code conventions.
package cli
