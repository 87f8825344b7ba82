package vpn

import (
	"fmt"
	"strings"

	"github.com/yllada/vpnctl/common"
)

// ConnectionType is a VPN protocol family. It is the dispatch key between
// the controller and its providers.
type ConnectionType int

const (
	TypePPTP       ConnectionType = 1
	TypeL2TPIPSec  ConnectionType = 2
	TypeIKEv2      ConnectionType = 3
	TypeCiscoIPSec ConnectionType = 4
	TypeSSTP       ConnectionType = 5
	TypeOpenVPN    ConnectionType = 6
)

// AllConnectionTypes lists every known type.
var AllConnectionTypes = []ConnectionType{
	TypeOpenVPN, TypeIKEv2, TypeL2TPIPSec, TypeSSTP, TypeCiscoIPSec, TypePPTP,
}

// String returns the string representation of the connection type.
func (t ConnectionType) String() string {
	switch t {
	case TypePPTP:
		return "PPTP"
	case TypeL2TPIPSec:
		return "L2TP/IPSec"
	case TypeIKEv2:
		return "IKEv2"
	case TypeCiscoIPSec:
		return "Cisco IPSec"
	case TypeSSTP:
		return "SSTP"
	case TypeOpenVPN:
		return "OpenVPN"
	default:
		return fmt.Sprintf("ConnectionType(%d)", int(t))
	}
}

// ParseConnectionType accepts the names used in config files and on the
// command line, e.g. "openvpn", "ikev2", "l2tp".
func ParseConnectionType(s string) (ConnectionType, error) {
	switch strings.ToLower(strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)) {
	case "pptp":
		return TypePPTP, nil
	case "l2tp", "l2tpipsec":
		return TypeL2TPIPSec, nil
	case "ikev2":
		return TypeIKEv2, nil
	case "cisco", "ciscoipsec":
		return TypeCiscoIPSec, nil
	case "sstp":
		return TypeSSTP, nil
	case "openvpn", "ovpn":
		return TypeOpenVPN, nil
	}
	return 0, fmt.Errorf("unknown connection type %q", s)
}

// Request is one connect attempt. It is not modified after submission.
type Request struct {
	Type     ConnectionType
	Hostname string
	// Context is opaque caller data carried through to notifications.
	Context any
}

// WithType returns a copy of r for another connection type.
func (r Request) WithType(t ConnectionType) Request {
	r.Type = t
	return r
}

// State is the controller's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// validTransitions lists the state edges the controller accepts.
// Connecting->Disconnecting covers a disconnect or abort during connect.
var validTransitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected, StateDisconnecting},
	StateConnected:     {StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether from->to is a valid edge.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Credentials answer a provider's authentication request. The caller of
// the supplier owns Secret and wipes it after use.
type Credentials struct {
	Username string
	Secret   *common.Secret
}

// Wipe scrubs the secret.
func (c Credentials) Wipe() {
	c.Secret.Wipe()
}

// CredentialSupplier returns credentials for a connection type.
type CredentialSupplier interface {
	Credentials(t ConnectionType) (Credentials, error)
}

// CredentialFunc adapts a function to CredentialSupplier.
type CredentialFunc func(t ConnectionType) (Credentials, error)

// Credentials implements CredentialSupplier.
func (f CredentialFunc) Credentials(t ConnectionType) (Credentials, error) {
	return f(t)
}
