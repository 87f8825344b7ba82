//go:build !linux

package vpn

import (
	"context"
	"errors"
)

var errNoNetworkManager = errors.New("NetworkManager dialer is only available on Linux")

// NetworkManagerDialer is unavailable on this platform.
type NetworkManagerDialer struct{}

// NewNetworkManagerDialer always fails on this platform.
func NewNetworkManagerDialer(map[ConnectionType]string) (*NetworkManagerDialer, error) {
	return nil, errNoNetworkManager
}

func (d *NetworkManagerDialer) Close() error                    { return nil }
func (d *NetworkManagerDialer) Protocols() []ConnectionType     { return nil }
func (d *NetworkManagerDialer) Dial(context.Context, DialEntry) error { return errNoNetworkManager }
func (d *NetworkManagerDialer) HangUp(context.Context) error    { return nil }
func (d *NetworkManagerDialer) Status(context.Context) (DialStatus, error) {
	return DialIdle, errNoNetworkManager
}
func (d *NetworkManagerDialer) Stats(context.Context) (int64, int64, error) {
	return 0, 0, errNoNetworkManager
}
