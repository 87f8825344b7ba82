package vpn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionType(t *testing.T) {
	tests := []struct {
		in      string
		want    ConnectionType
		wantErr bool
	}{
		{"openvpn", TypeOpenVPN, false},
		{"OpenVPN", TypeOpenVPN, false},
		{"ikev2", TypeIKEv2, false},
		{"L2TP/IPSec", TypeL2TPIPSec, false},
		{"l2tp", TypeL2TPIPSec, false},
		{"cisco-ipsec", TypeCiscoIPSec, false},
		{"sstp", TypeSSTP, false},
		{"pptp", TypePPTP, false},
		{"wireguard", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConnectionType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectionType_RoundTrip(t *testing.T) {
	for _, ct := range AllConnectionTypes {
		got, err := ParseConnectionType(ct.String())
		require.NoError(t, err, ct.String())
		assert.Equal(t, ct, got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnected, StateDisconnecting, true},
		{StateConnected, StateDisconnected, false},
		{StateDisconnecting, StateDisconnected, true},
		{StateDisconnecting, StateConnecting, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestRequest_WithType(t *testing.T) {
	req := Request{Type: TypeOpenVPN, Hostname: "vpn.example.com", Context: 42}
	derived := req.WithType(TypeIKEv2)

	assert.Equal(t, TypeIKEv2, derived.Type)
	assert.Equal(t, "vpn.example.com", derived.Hostname)
	assert.Equal(t, 42, derived.Context)
	assert.Equal(t, TypeOpenVPN, req.Type, "original request unchanged")
}

func TestBandwidthMeter(t *testing.T) {
	var m bandwidthMeter
	t0 := time.Unix(1000, 0)

	u := m.Update(1000, 2000, t0)
	assert.Equal(t, int64(1000), u.BytesSent)
	assert.Zero(t, u.TxBytesPerSecond, "first sample has no rate")

	u = m.Update(3000, 6000, t0.Add(2*time.Second))
	assert.InDelta(t, 1000.0, u.TxBytesPerSecond, 0.001)
	assert.InDelta(t, 2000.0, u.RxBytesPerSecond, 0.001)

	u = m.Update(10, 10, t0.Add(3*time.Second))
	assert.Zero(t, u.TxBytesPerSecond, "counter reset drops the rate")

	m.Reset()
	assert.Equal(t, BandwidthUsage{}, m.Usage())
}

func TestEvents_ListenersInOrder(t *testing.T) {
	var e Events
	var got []string
	e.OnConnected(func(ev Event) { got = append(got, "first:"+ev.Host) })
	e.OnConnected(func(ev Event) { got = append(got, "second:"+ev.Host) })
	e.OnDisconnected(func(Event) { got = append(got, "disconnected") })

	e.Emit(NotifyConnected, Event{Host: "h"})
	assert.Equal(t, []string{"first:h", "second:h"}, got)

	e.Emit(Notification(99), Event{})
	assert.Len(t, got, 2, "unknown notification ignored")
}

func TestProviderBase_MarkDownModes(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
		up      bool
		mode    downMode
		want    []Notification
	}{
		{"failure while connecting", true, false, downFailure, []Notification{NotifyConnectError, NotifyDisconnected}},
		{"failure while connected", true, true, downFailure, []Notification{NotifyDisconnecting, NotifyDisconnected}},
		{"failure while idle", false, false, downFailure, nil},
		{"user while connected", true, true, downUser, []Notification{NotifyDisconnecting, NotifyDisconnected}},
		{"user while idle", false, false, downUser, nil},
		{"abort while idle", false, false, downAbort, []Notification{NotifyDisconnecting, NotifyDisconnected}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &providerBase{name: "p"}
			if tt.connect {
				b.markConnecting(Request{Type: TypeOpenVPN, Hostname: "h"})
			}
			if tt.up {
				require.True(t, b.markUp())
			}
			rec := record(&b.events)
			b.markDown(nil, tt.mode)
			assert.Equal(t, tt.want, rec.list())
			assert.False(t, b.IsConnected())
		})
	}
}
