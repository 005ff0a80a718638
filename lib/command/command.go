// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package command runs the external programs wiremesh drives, wg(8)
// and nft(8), behind a [Runner] so tests can substitute a recording
// fake. Stderr is captured and folded into the returned error: both
// programs report what went wrong only there.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a program and returns its stdout.
type Runner interface {
	// Run executes name with args, feeding stdin when it is non-nil.
	// A missing binary yields an error matching exec.ErrNotFound.
	Run(ctx context.Context, stdin []byte, name string, args ...string) (string, error)
}

// Exec is the Runner backed by os/exec.
type Exec struct{}

// Run implements [Runner].
func (Exec) Run(ctx context.Context, stdin []byte, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Lookup resolves name on PATH, returning the absolute path.
func Lookup(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	return path, nil
}
