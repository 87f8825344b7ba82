//go:build !linux

package killswitch

import (
	"errors"
	"net"
)

var errAdapterUnsupported = errors.New("adapter lookup not supported on this platform")

// AdapterIndex returns the interface index of name.
func AdapterIndex(name string) (uint32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return uint32(iface.Index), nil
}

// LocalNetworks is not available on this platform.
func LocalNetworks() ([]AddressMask, error) {
	return nil, errAdapterUnsupported
}
