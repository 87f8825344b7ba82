package vpn

import (
	"sync"
	"time"
)

// BandwidthUsage is a snapshot of tunnel traffic counters.
type BandwidthUsage struct {
	BytesSent        int64
	BytesReceived    int64
	TxBytesPerSecond float64
	RxBytesPerSecond float64
	LastSample       time.Time
}

// bandwidthMeter turns cumulative counters into a BandwidthUsage with
// per-second rates.
type bandwidthMeter struct {
	mu    sync.Mutex
	usage BandwidthUsage
}

// Update records cumulative counters sampled at now and returns the new
// snapshot. Counters going backwards reset the rates.
func (m *bandwidthMeter) Update(sent, received int64, now time.Time) BandwidthUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.usage
	next := BandwidthUsage{BytesSent: sent, BytesReceived: received, LastSample: now}
	if !prev.LastSample.IsZero() && now.After(prev.LastSample) && sent >= prev.BytesSent && received >= prev.BytesReceived {
		secs := now.Sub(prev.LastSample).Seconds()
		next.TxBytesPerSecond = float64(sent-prev.BytesSent) / secs
		next.RxBytesPerSecond = float64(received-prev.BytesReceived) / secs
	}
	m.usage = next
	return next
}

// Reset zeroes the meter.
func (m *bandwidthMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = BandwidthUsage{}
}

// Usage returns the current snapshot.
func (m *bandwidthMeter) Usage() BandwidthUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}
