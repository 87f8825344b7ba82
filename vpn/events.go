package vpn

import (
	"sync"
	"time"
)

// Notification identifies a kind of lifecycle notification.
type Notification int

const (
	NotifyConnecting Notification = iota
	NotifyConnected
	NotifyDisconnecting
	NotifyDisconnected
	NotifyConnectError
	NotifyDriverInstallRequired
)

// String returns the string representation of the notification.
func (n Notification) String() string {
	switch n {
	case NotifyConnecting:
		return "Connecting"
	case NotifyConnected:
		return "Connected"
	case NotifyDisconnecting:
		return "Disconnecting"
	case NotifyDisconnected:
		return "Disconnected"
	case NotifyConnectError:
		return "ConnectError"
	case NotifyDriverInstallRequired:
		return "DriverInstallRequired"
	default:
		return "Unknown"
	}
}

// Event is the payload of a lifecycle notification.
type Event struct {
	Provider string
	Type     ConnectionType
	Host     string
	Err      error
	Context  any
}

// Listener receives lifecycle notifications. Listeners run synchronously on
// the emitting goroutine and must not block.
type Listener func(Event)

type listenerList[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
}

func (l *listenerList[T]) add(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = append(l.fns, fn)
}

func (l *listenerList[T]) emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), len(l.fns))
	copy(fns, l.fns)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Events holds one observer list per notification kind. Providers and the
// controller embed it.
type Events struct {
	lifecycle [NotifyDriverInstallRequired + 1]listenerList[Event]
	bandwidth listenerList[BandwidthUsage]
	duration  listenerList[time.Duration]
}

// On registers l for notification n.
func (e *Events) On(n Notification, l Listener) {
	if n < 0 || int(n) >= len(e.lifecycle) {
		return
	}
	e.lifecycle[n].add(l)
}

// OnConnecting registers l for Connecting.
func (e *Events) OnConnecting(l Listener) { e.On(NotifyConnecting, l) }

// OnConnected registers l for Connected.
func (e *Events) OnConnected(l Listener) { e.On(NotifyConnected, l) }

// OnDisconnecting registers l for Disconnecting.
func (e *Events) OnDisconnecting(l Listener) { e.On(NotifyDisconnecting, l) }

// OnDisconnected registers l for Disconnected.
func (e *Events) OnDisconnected(l Listener) { e.On(NotifyDisconnected, l) }

// OnConnectError registers l for ConnectError.
func (e *Events) OnConnectError(l Listener) { e.On(NotifyConnectError, l) }

// OnDriverInstallRequired registers l for the missing adapter driver signal.
func (e *Events) OnDriverInstallRequired(l Listener) { e.On(NotifyDriverInstallRequired, l) }

// OnBandwidthUsage registers fn for bandwidth samples.
func (e *Events) OnBandwidthUsage(fn func(BandwidthUsage)) { e.bandwidth.add(fn) }

// OnDurationUpdated registers fn for the periodic connected duration.
func (e *Events) OnDurationUpdated(fn func(time.Duration)) { e.duration.add(fn) }

// Emit delivers ev to every listener of n.
func (e *Events) Emit(n Notification, ev Event) {
	if n < 0 || int(n) >= len(e.lifecycle) {
		return
	}
	e.lifecycle[n].emit(ev)
}

// EmitBandwidthUsage delivers a bandwidth sample.
func (e *Events) EmitBandwidthUsage(u BandwidthUsage) { e.bandwidth.emit(u) }

// EmitDurationUpdated delivers the connected duration.
func (e *Events) EmitDurationUpdated(d time.Duration) { e.duration.emit(d) }
