// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func testTree(ran *[]string) *Command {
	var verbose bool
	return &Command{
		Name: "wiremesh",
		Subcommands: []*Command{
			{
				Name:    "status",
				Summary: "Show sessions",
				Flags: func() *pflag.FlagSet {
					flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
					flags.BoolVar(&verbose, "verbose", false, "more detail")
					return flags
				},
				Run: func(args []string) error {
					*ran = append(*ran, "status")
					if verbose {
						*ran = append(*ran, "verbose")
					}
					*ran = append(*ran, args...)
					return nil
				},
			},
			{
				Name: "peer",
				Subcommands: []*Command{
					{Name: "restart", Run: func(args []string) error {
						*ran = append(*ran, "peer restart")
						return nil
					}},
				},
			},
		},
	}
}

func TestExecuteDispatch(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "subcommand", args: []string{"status"}, want: "status"},
		{name: "flag and argument", args: []string{"status", "--verbose", "extra"}, want: "status verbose extra"},
		{name: "nested", args: []string{"peer", "restart"}, want: "peer restart"},
		{name: "typo", args: []string{"stauts"}, wantErr: `did you mean "status"`},
		{name: "unknown", args: []string{"frobnicate"}, wantErr: `unknown command "frobnicate"`},
		{name: "flag typo", args: []string{"status", "--verbos"}, wantErr: "did you mean --verbose"},
		{name: "group without subcommand", args: []string{"peer"}, wantErr: "subcommand required"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var ran []string
			err := testTree(&ran).Execute(test.args)
			if test.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), test.wantErr) {
					t.Fatalf("error = %v, want it to contain %q", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got := strings.Join(ran, " "); got != test.want {
				t.Errorf("ran %q, want %q", got, test.want)
			}
		})
	}
}

func TestPrintHelp(t *testing.T) {
	var ran []string
	root := testTree(&ran)
	var output bytes.Buffer
	root.PrintHelp(&output)
	for _, want := range []string{"Usage:\n  wiremesh <command> [flags]", "status", "Show sessions", "Run 'wiremesh <command> --help'"} {
		if !strings.Contains(output.String(), want) {
			t.Errorf("help lacks %q:\n%s", want, output.String())
		}
	}

	output.Reset()
	root.Subcommands[0].PrintHelp(&output)
	if !strings.Contains(output.String(), "--verbose") {
		t.Errorf("status help lacks its flag:\n%s", output.String())
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"status", "status", 0},
		{"stauts", "status", 2},
		{"monitor", "montor", 1},
		{"kitten", "sitting", 3},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestJSONOutput(t *testing.T) {
	var output bytes.Buffer
	var json JSONOutput
	if done, err := json.Emit(&output, []string(nil)); done || err != nil {
		t.Fatalf("Emit without --json = %v, %v", done, err)
	}
	json.Enabled = true
	if done, err := json.Emit(&output, []string(nil)); !done || err != nil {
		t.Fatalf("Emit = %v, %v", done, err)
	}
	if got := output.String(); got != "[]\n" {
		t.Errorf("output = %q, want []", got)
	}
	if IsTerminal(&output) {
		t.Error("a buffer is not a terminal")
	}
}
