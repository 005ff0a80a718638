// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package ice

// SystemInterfaces returns the platform's interface lister.
func SystemInterfaces() InterfaceLister { return netLister{} }
