// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// MinUfragLength and MinPwdLength are the RFC 8445 minimums.
	MinUfragLength = 4
	MinPwdLength   = 22

	ufragLength = 8
	pwdLength   = 24
)

// ice-char from RFC 8445 section 15.1.
const iceChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"

// Credentials are the short-term username fragment and password of
// one negotiation attempt.
type Credentials struct {
	Ufrag string
	Pwd   string
}

// NewCredentials returns fresh random credentials.
func NewCredentials() (Credentials, error) {
	ufrag, err := randomString(ufragLength)
	if err != nil {
		return Credentials{}, err
	}
	pwd, err := randomString(pwdLength)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Ufrag: ufrag, Pwd: pwd}, nil
}

// Validate checks the RFC 8445 length limits.
func (c Credentials) Validate() error {
	if len(c.Ufrag) < MinUfragLength || len(c.Ufrag) > 256 {
		return fmt.Errorf("ufrag length %d outside [%d, 256]", len(c.Ufrag), MinUfragLength)
	}
	if len(c.Pwd) < MinPwdLength || len(c.Pwd) > 256 {
		return fmt.Errorf("pwd length %d outside [%d, 256]", len(c.Pwd), MinPwdLength)
	}
	return nil
}

// IsZero reports whether c is unset.
func (c Credentials) IsZero() bool { return c.Ufrag == "" && c.Pwd == "" }

func randomString(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Join(errors.New("reading random bytes"), err)
	}
	for index, value := range raw {
		raw[index] = iceChars[int(value)%len(iceChars)]
	}
	return string(raw), nil
}
