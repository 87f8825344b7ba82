// Package killswitch locks outbound traffic down to the VPN server, the
// tunnel adapter and optionally the local networks, and pins server host
// names in the hosts file while the lockdown is active.
package killswitch

import (
	"fmt"
	"net"
	"strings"
)

// AddressMask is a permitted destination network.
type AddressMask struct {
	IP   net.IP
	Mask net.IPMask
}

// ParseAddressMask accepts a CIDR or a bare address, which becomes a host
// route.
func ParseAddressMask(s string) (AddressMask, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return AddressMask{}, fmt.Errorf("invalid network %q: %w", s, err)
		}
		return AddressMask{IP: ipNet.IP, Mask: ipNet.Mask}, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return AddressMask{}, fmt.Errorf("invalid address %q", s)
	}
	if v4 := ip.To4(); v4 != nil {
		return AddressMask{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return AddressMask{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// ParseAddressMasks parses every entry of list.
func ParseAddressMasks(list []string) ([]AddressMask, error) {
	out := make([]AddressMask, 0, len(list))
	for _, s := range list {
		m, err := ParseAddressMask(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// IsV4 reports whether the mask is an IPv4 network.
func (a AddressMask) IsV4() bool {
	return a.IP.To4() != nil && len(a.Mask) == net.IPv4len
}

// Network returns the masked network address in its canonical length.
func (a AddressMask) Network() net.IP {
	ip := a.IP
	if a.IsV4() {
		ip = ip.To4()
	} else {
		ip = ip.To16()
	}
	return ip.Mask(a.Mask)
}

// String returns the CIDR form.
func (a AddressMask) String() string {
	ones, _ := a.Mask.Size()
	return fmt.Sprintf("%s/%d", a.Network(), ones)
}

// HostEntry pins Hostname to IP in the hosts file.
type HostEntry struct {
	Hostname string `yaml:"hostname"`
	IP       string `yaml:"ip"`
}

// EngageParams is what the firewall engine receives on Engage.
type EngageParams struct {
	Remote []AddressMask
	Local  []AddressMask
	// AdapterIndex is common.UnknownAdapterIndex when the tunnel adapter
	// could not be resolved.
	AdapterIndex uint32
	// AdapterName lets engines match an adapter that does not exist yet.
	AdapterName   string
	TunnelBinary  string
	PersistReboot bool
	DisplayName   string
}

// Engine is the OS firewall boundary. Engage and Disengage return 0 on
// success and a platform error code otherwise.
type Engine interface {
	Engage(p EngageParams) int
	Disengage() int
	IsEngaged() bool
}
