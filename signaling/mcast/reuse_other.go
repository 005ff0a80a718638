// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package mcast

import "syscall"

func reuseControl(network, address string, raw syscall.RawConn) error { return nil }
