// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package ice

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// SystemInterfaces returns the platform's interface lister: netlink on
// Linux.
func SystemInterfaces() InterfaceLister { return netlinkLister{} }

type netlinkLister struct{}

func (netlinkLister) Addresses() ([]InterfaceAddress, error) {
	links, err := netlink.LinkList()
	if err != nil {
		// Restricted network namespaces can refuse netlink dumps.
		return netLister{}.Addresses()
	}
	var result []InterfaceAddress
	for _, link := range links {
		attributes := link.Attrs()
		if attributes.Flags&net.FlagUp == 0 {
			continue
		}
		addresses, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			continue
		}
		for _, address := range addresses {
			addr, ok := netip.AddrFromSlice(address.IP)
			if !ok {
				continue
			}
			result = append(result, InterfaceAddress{
				Interface: attributes.Name,
				Index:     attributes.Index,
				Addr:      addr.Unmap(),
				Loopback:  attributes.Flags&net.FlagLoopback != 0,
			})
		}
	}
	return result, nil
}
