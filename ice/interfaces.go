// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ice

import (
	"net"
	"net/netip"
	"regexp"
)

// InterfaceAddress is an address assigned to a local interface.
type InterfaceAddress struct {
	Interface string
	Index     int
	Addr      netip.Addr
	Loopback  bool
}

// InterfaceLister enumerates local interface addresses.
type InterfaceLister interface {
	Addresses() ([]InterfaceAddress, error)
}

// InterfaceFilter selects the addresses host candidates are made from.
type InterfaceFilter struct {
	// Pattern, if set, must match the interface name.
	Pattern *regexp.Regexp

	// Exclude lists interface names never used, such as the tunnel
	// interface itself.
	Exclude []string

	IncludeLoopback bool
}

// Allows reports whether address is usable for a host candidate.
func (f InterfaceFilter) Allows(address InterfaceAddress) bool {
	addr := address.Addr
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsMulticast() {
		return false
	}
	if addr.IsLinkLocalUnicast() {
		return false
	}
	if (address.Loopback || addr.IsLoopback()) && !f.IncludeLoopback {
		return false
	}
	for _, excluded := range f.Exclude {
		if address.Interface == excluded {
			return false
		}
	}
	if f.Pattern != nil && !f.Pattern.MatchString(address.Interface) {
		return false
	}
	return true
}

// netLister enumerates addresses through the net package. It is the
// fallback where netlink is unavailable.
type netLister struct{}

func (netLister) Addresses() ([]InterfaceAddress, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var result []InterfaceAddress
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addresses, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, address := range addresses {
			prefix, err := netip.ParsePrefix(address.String())
			if err != nil {
				continue
			}
			result = append(result, InterfaceAddress{
				Interface: iface.Name,
				Index:     iface.Index,
				Addr:      prefix.Addr().Unmap(),
				Loopback:  iface.Flags&net.FlagLoopback != 0,
			})
		}
	}
	return result, nil
}
