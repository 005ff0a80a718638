// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/bureau-foundation/wiremesh/lib/process"
)

func main() {
	if err := run(); err != nil {
		// Commands that already reported their outcome carry an exit
		// code and print nothing more.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	return root(os.Stdin, os.Stdout).Execute(os.Args[1:])
}
