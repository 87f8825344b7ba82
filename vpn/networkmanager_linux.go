//go:build linux

package vpn

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/vishvananda/netlink"

	"github.com/yllada/vpnctl/common"
)

const (
	nmDest            = "org.freedesktop.NetworkManager"
	nmPath            = "/org/freedesktop/NetworkManager"
	nmSettingsPath    = "/org/freedesktop/NetworkManager/Settings"
	nmIface           = "org.freedesktop.NetworkManager"
	nmSettingsIface   = "org.freedesktop.NetworkManager.Settings"
	nmConnectionIface = "org.freedesktop.NetworkManager.Settings.Connection"
	nmActiveIface     = "org.freedesktop.NetworkManager.Connection.Active"
	nmVPNIface        = "org.freedesktop.NetworkManager.VPN.Connection"
	nmDeviceIface     = "org.freedesktop.NetworkManager.Device"
)

// NetworkManager VPN connection states and failure reasons.
const (
	nmVPNStateActivated    uint32 = 5
	nmVPNStateFailed       uint32 = 6
	nmVPNStateDisconnected uint32 = 7

	nmVPNReasonNoSecrets   uint32 = 9
	nmVPNReasonLoginFailed uint32 = 10
)

// NetworkManagerDialer dials IKEv2, L2TP, PPTP, SSTP and Cisco IPSec
// connections that already exist as NetworkManager profiles.
type NetworkManagerDialer struct {
	conn *dbus.Conn
	// connections maps each type to a NetworkManager connection UUID.
	connections map[ConnectionType]string

	mu     sync.Mutex
	active dbus.ObjectPath
}

// NewNetworkManagerDialer connects to the system bus.
func NewNetworkManagerDialer(connections map[ConnectionType]string) (*NetworkManagerDialer, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &NetworkManagerDialer{conn: conn, connections: connections}, nil
}

// Close releases the bus connection.
func (d *NetworkManagerDialer) Close() error {
	return d.conn.Close()
}

// Protocols implements Dialer.
func (d *NetworkManagerDialer) Protocols() []ConnectionType {
	out := make([]ConnectionType, 0, len(d.connections))
	for t := range d.connections {
		if t != TypeOpenVPN {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dial implements Dialer.
func (d *NetworkManagerDialer) Dial(ctx context.Context, entry DialEntry) error {
	uuid, ok := d.connections[entry.Type]
	if !ok {
		return &common.UnsupportedProtocolError{Type: entry.Type}
	}

	var connPath dbus.ObjectPath
	err := d.conn.Object(nmDest, nmSettingsPath).
		CallWithContext(ctx, nmSettingsIface+".GetConnectionByUuid", 0, uuid).Store(&connPath)
	if err != nil {
		return fmt.Errorf("lookup connection %s: %w", uuid, err)
	}
	connObj := d.conn.Object(nmDest, connPath)

	var settings map[string]map[string]dbus.Variant
	if err := connObj.CallWithContext(ctx, nmConnectionIface+".GetSettings", 0).Store(&settings); err != nil {
		return fmt.Errorf("read connection settings: %w", err)
	}
	patchVPNSettings(settings, entry)
	if err := connObj.CallWithContext(ctx, nmConnectionIface+".UpdateUnsaved", 0, settings).Err; err != nil {
		return fmt.Errorf("apply credentials: %w", err)
	}

	// Subscribe before activating so no state change is missed.
	if err := d.conn.AddMatchSignal(
		dbus.WithMatchInterface(nmVPNIface),
		dbus.WithMatchMember("VpnStateChanged"),
	); err != nil {
		return fmt.Errorf("subscribe vpn state: %w", err)
	}
	defer d.conn.RemoveMatchSignal(dbus.WithMatchInterface(nmVPNIface), dbus.WithMatchMember("VpnStateChanged"))
	signals := make(chan *dbus.Signal, 16)
	d.conn.Signal(signals)
	defer d.conn.RemoveSignal(signals)

	var active dbus.ObjectPath
	err = d.conn.Object(nmDest, nmPath).CallWithContext(ctx, nmIface+".ActivateConnection", 0,
		connPath, dbus.ObjectPath("/"), dbus.ObjectPath("/")).Store(&active)
	if err != nil {
		return fmt.Errorf("activate %s: %w", entry.Type, err)
	}
	d.mu.Lock()
	d.active = active
	d.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-signals:
			if sig == nil || sig.Path != active || len(sig.Body) < 2 {
				continue
			}
			state, _ := sig.Body[0].(uint32)
			reason, _ := sig.Body[1].(uint32)
			if done, err := vpnStateOutcome(entry.Type, state, reason); done {
				return err
			}
		}
	}
}

// vpnStateOutcome maps a VpnStateChanged signal to a dial result.
func vpnStateOutcome(t ConnectionType, state, reason uint32) (bool, error) {
	switch state {
	case nmVPNStateActivated:
		return true, nil
	case nmVPNStateFailed, nmVPNStateDisconnected:
		if reason == nmVPNReasonLoginFailed || reason == nmVPNReasonNoSecrets {
			return true, &common.AuthenticationError{Provider: "networkmanager", Message: fmt.Sprintf("%s rejected (reason %d)", t, reason)}
		}
		return true, common.NewProviderError("networkmanager", "%s failed (state %d, reason %d)", t, state, reason)
	}
	return false, nil
}

// secretKeys returns the vpn.data user key and vpn.secrets password key
// used by the NetworkManager plugin for t.
func secretKeys(t ConnectionType) (userKey, passwordKey string) {
	switch t {
	case TypeCiscoIPSec:
		return "Xauth username", "Xauth password"
	default:
		return "user", "password"
	}
}

// patchVPNSettings writes the credentials into the vpn section and drops
// legacy IP fields the daemon refuses on update.
func patchVPNSettings(settings map[string]map[string]dbus.Variant, entry DialEntry) {
	vpnSection, ok := settings["vpn"]
	if !ok {
		vpnSection = map[string]dbus.Variant{}
		settings["vpn"] = vpnSection
	}
	userKey, passKey := secretKeys(entry.Type)

	data := map[string]string{}
	if v, ok := vpnSection["data"]; ok {
		if m, ok := v.Value().(map[string]string); ok {
			for k, val := range m {
				data[k] = val
			}
		}
	}
	if entry.Username != "" {
		data[userKey] = entry.Username
	}
	if entry.Host != "" {
		data["gateway"] = entry.Host
	}
	vpnSection["data"] = dbus.MakeVariant(data)
	vpnSection["secrets"] = dbus.MakeVariant(map[string]string{passKey: entry.Secret.String()})

	for _, section := range []string{"ipv4", "ipv6"} {
		if s, ok := settings[section]; ok {
			delete(s, "addresses")
			delete(s, "routes")
		}
	}
}

// HangUp implements Dialer.
func (d *NetworkManagerDialer) HangUp(ctx context.Context) error {
	d.mu.Lock()
	active := d.active
	d.active = ""
	d.mu.Unlock()
	if active == "" {
		return nil
	}
	return d.conn.Object(nmDest, nmPath).CallWithContext(ctx, nmIface+".DeactivateConnection", 0, active).Err
}

// Status implements Dialer.
func (d *NetworkManagerDialer) Status(ctx context.Context) (DialStatus, error) {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if active == "" {
		return DialIdle, nil
	}
	v, err := d.conn.Object(nmDest, active).GetProperty(nmVPNIface + ".VpnState")
	if err != nil {
		return DialFailed, err
	}
	state, _ := v.Value().(uint32)
	switch {
	case state == nmVPNStateActivated:
		return DialConnected, nil
	case state >= nmVPNStateFailed:
		return DialFailed, nil
	default:
		return DialConnecting, nil
	}
}

// Stats implements Dialer using the link counters of the connection's IP
// interface.
func (d *NetworkManagerDialer) Stats(ctx context.Context) (int64, int64, error) {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if active == "" {
		return 0, 0, common.ErrNotConnected
	}

	v, err := d.conn.Object(nmDest, active).GetProperty(nmActiveIface + ".Devices")
	if err != nil {
		return 0, 0, err
	}
	devices, _ := v.Value().([]dbus.ObjectPath)
	if len(devices) == 0 {
		return 0, 0, fmt.Errorf("no device for %s", active)
	}
	iv, err := d.conn.Object(nmDest, devices[0]).GetProperty(nmDeviceIface + ".IpInterface")
	if err != nil {
		return 0, 0, err
	}
	ifname, _ := iv.Value().(string)
	return linkStats(ifname)
}

func linkStats(ifname string) (int64, int64, error) {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return 0, 0, fmt.Errorf("link %s: %w", ifname, err)
	}
	st := link.Attrs().Statistics
	if st == nil {
		return 0, 0, fmt.Errorf("link %s: no statistics", ifname)
	}
	return int64(st.TxBytes), int64(st.RxBytes), nil
}
