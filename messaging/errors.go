// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
)

// MatrixError is an error body returned by the homeserver together
// with the HTTP status it came with.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Error codes the signaling backend reacts to.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
)

// IsMatrixError reports whether err wraps a [*MatrixError] with code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	return errors.As(err, &matrixErr) && matrixErr.Code == code
}
