// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// JSONOutput adds a --json flag to a command.
type JSONOutput struct {
	Enabled bool
}

// Register adds --json to flags.
func (j *JSONOutput) Register(flags *pflag.FlagSet) {
	flags.BoolVar(&j.Enabled, "json", false, "output as JSON")
}

// Emit writes result to w as indented JSON when --json is set and
// reports whether it did. Nil slices are written as [].
func (j *JSONOutput) Emit(w io.Writer, result any) (bool, error) {
	if !j.Enabled {
		return false, nil
	}
	return true, WriteJSON(w, normalizeNilSlice(result))
}

// WriteJSON writes value to w as indented JSON.
func WriteJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func normalizeNilSlice(value any) any {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		return reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	return value
}

// IsTerminal reports whether w is a terminal. Styled output is only
// written to terminals.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// ExitError ends the process with Code without printing anything
// further: the command has already written its own output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}
