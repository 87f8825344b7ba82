//go:build linux

package killswitch

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// AdapterIndex returns the interface index of name.
func AdapterIndex(name string) (uint32, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("link %s: %w", name, err)
	}
	return uint32(link.Attrs().Index), nil
}

// LocalNetworks returns the IPv4 networks attached to links that carry a
// default route, so the LAN stays reachable while the lockdown is on.
func LocalNetworks() ([]AddressMask, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}

	seen := make(map[int]bool)
	var out []AddressMask
	for _, r := range routes {
		if r.Dst != nil && !isDefault(r.Dst) {
			continue
		}
		if seen[r.LinkIndex] {
			continue
		}
		seen[r.LinkIndex] = true

		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		addrs, err := netlink.AddrList(link, unix.AF_INET)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.IPNet == nil || a.IP.IsLoopback() {
				continue
			}
			out = append(out, AddressMask{IP: a.IP.Mask(a.Mask).To4(), Mask: a.Mask})
		}
	}
	return out, nil
}

func isDefault(dst *net.IPNet) bool {
	ones, _ := dst.Mask.Size()
	return ones == 0
}
