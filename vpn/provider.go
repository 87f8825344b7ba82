package vpn

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/vpnctl/common"
)

// Provider connects and disconnects one family of VPN protocols.
//
// Connect blocks until the tunnel is up, the attempt fails, or ctx is
// done. Every transition is also published through Events, so callers
// that dispatch Connect to a goroutine observe progress there.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string
	Initialize(creds CredentialSupplier) error
	Connect(ctx context.Context, req Request) error
	// Disconnect tears the tunnel down. Disconnecting and Disconnected are
	// emitted only when a connection was active or in progress.
	Disconnect() error
	// Abort is Disconnect that always emits Disconnecting and Disconnected.
	Abort() error
	IsConnected() bool
	CurrentServer() string
	ConnectedDuration() time.Duration
	Usage() BandwidthUsage
	AvailableProtocols() []ConnectionType
	Events() *Events
}

// downMode selects which notifications markDown emits.
type downMode int

const (
	downFailure downMode = iota
	downUser
	downAbort
)

// providerBase carries the bookkeeping shared by provider implementations.
type providerBase struct {
	name   string
	events Events
	meter  bandwidthMeter

	mu          sync.Mutex
	creds       CredentialSupplier
	connecting  bool
	connected   bool
	host        string
	connType    ConnectionType
	reqContext  any
	connectedAt time.Time
}

func (b *providerBase) Name() string { return b.name }

func (b *providerBase) Events() *Events { return &b.events }

// Initialize stores the credential supplier.
func (b *providerBase) Initialize(creds CredentialSupplier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = creds
	return nil
}

func (b *providerBase) credentials(t ConnectionType) (Credentials, error) {
	b.mu.Lock()
	creds := b.creds
	b.mu.Unlock()
	if creds == nil {
		return Credentials{}, common.ErrNotInitialized
	}
	return creds.Credentials(t)
}

func (b *providerBase) initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creds != nil
}

// IsConnected reports whether the tunnel is up.
func (b *providerBase) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *providerBase) isActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected || b.connecting
}

// CurrentServer returns the host of the active or in-progress connection.
func (b *providerBase) CurrentServer() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected && !b.connecting {
		return ""
	}
	return b.host
}

// ConnectedDuration returns how long the tunnel has been up.
func (b *providerBase) ConnectedDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return 0
	}
	return time.Since(b.connectedAt)
}

// Usage returns the latest bandwidth sample.
func (b *providerBase) Usage() BandwidthUsage {
	return b.meter.Usage()
}

func (b *providerBase) eventLocked(err error) Event {
	return Event{Provider: b.name, Type: b.connType, Host: b.host, Err: err, Context: b.reqContext}
}

// markConnecting records a new attempt and emits Connecting.
func (b *providerBase) markConnecting(req Request) {
	b.meter.Reset()
	b.mu.Lock()
	b.connecting, b.connected = true, false
	b.host, b.connType, b.reqContext = req.Hostname, req.Type, req.Context
	ev := b.eventLocked(nil)
	b.mu.Unlock()
	b.events.Emit(NotifyConnecting, ev)
}

// markUp records an established tunnel and emits Connected. It returns
// false when the attempt was already torn down.
func (b *providerBase) markUp() bool {
	b.mu.Lock()
	if !b.connecting {
		b.mu.Unlock()
		return false
	}
	b.connecting, b.connected = false, true
	b.connectedAt = time.Now()
	ev := b.eventLocked(nil)
	b.mu.Unlock()
	b.events.Emit(NotifyConnected, ev)
	return true
}

// markDown clears the connection flags and emits the notifications that
// match mode. Only the first caller after an active period emits, except
// for downAbort which always does.
func (b *providerBase) markDown(err error, mode downMode) {
	b.mu.Lock()
	wasConnecting, wasConnected := b.connecting, b.connected
	b.connecting, b.connected = false, false
	ev := b.eventLocked(err)
	b.mu.Unlock()

	switch mode {
	case downFailure:
		if wasConnecting {
			b.events.Emit(NotifyConnectError, ev)
			b.events.Emit(NotifyDisconnected, ev)
		} else if wasConnected {
			b.events.Emit(NotifyDisconnecting, ev)
			b.events.Emit(NotifyDisconnected, ev)
		}
	case downUser:
		if wasConnecting || wasConnected {
			b.events.Emit(NotifyDisconnecting, ev)
			b.events.Emit(NotifyDisconnected, ev)
		}
	case downAbort:
		b.events.Emit(NotifyDisconnecting, ev)
		b.events.Emit(NotifyDisconnected, ev)
	}
}

func (b *providerBase) recordUsage(sent, received int64) {
	b.events.EmitBandwidthUsage(b.meter.Update(sent, received, time.Now()))
}

func supports(p Provider, t ConnectionType) bool {
	for _, pt := range p.AvailableProtocols() {
		if pt == t {
			return true
		}
	}
	return false
}
