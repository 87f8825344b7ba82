// Package metrics exposes Prometheus metrics for connection attempts, the
// controller state, tunnel traffic and the killswitch.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Result labels.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCancelled = "cancelled"
)

// Registry holds all vpnctl metrics. A nil *Registry is valid and records
// nothing.
type Registry struct {
	gatherer prometheus.Gatherer

	// Connection metrics
	ConnectAttempts *prometheus.CounterVec
	ConnectLatency  *prometheus.HistogramVec
	State           prometheus.Gauge
	Connected       prometheus.Gauge

	// Traffic
	BytesSent     prometheus.Gauge
	BytesReceived prometheus.Gauge
	TxRate        prometheus.Gauge
	RxRate        prometheus.Gauge

	// AutoDialer
	DialSteps *prometheus.CounterVec

	// Killswitch
	KillswitchEngaged prometheus.Gauge
	KillswitchErrors  *prometheus.CounterVec
}

// Get returns the global metrics registry, registered with the default
// Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return registry
}

// New registers a fresh set of metrics with reg.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	f := promauto.With(reg)
	r := &Registry{gatherer: gatherer}

	r.ConnectAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnctl_connect_attempts_total",
		Help: "Connect attempts by connection type and result",
	}, []string{"type", "result"})

	r.ConnectLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vpnctl_connect_duration_seconds",
		Help:    "Time from connect request to outcome",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"type"})

	r.State = f.NewGauge(prometheus.GaugeOpts{
		Name: "vpnctl_connection_state",
		Help: "Controller state (0 disconnected, 1 connecting, 2 connected, 3 disconnecting)",
	})

	r.Connected = f.NewGauge(prometheus.GaugeOpts{
		Name: "vpnctl_connected_seconds",
		Help: "Duration of the current connection",
	})

	r.BytesSent = f.NewGauge(prometheus.GaugeOpts{
		Name: "vpnctl_tunnel_sent_bytes",
		Help: "Bytes sent through the current tunnel",
	})
	r.BytesReceived = f.NewGauge(prometheus.GaugeOpts{
		Name: "vpnctl_tunnel_received_bytes",
		Help: "Bytes received through the current tunnel",
	})
	r.TxRate = f.NewGauge(prometheus.GaugeOpts{
		Name: "vpnctl_tunnel_tx_bytes_per_second",
		Help: "Current transmit rate",
	})
	r.RxRate = f.NewGauge(prometheus.GaugeOpts{
		Name: "vpnctl_tunnel_rx_bytes_per_second",
		Help: "Current receive rate",
	})

	r.DialSteps = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnctl_autodial_steps_total",
		Help: "AutoDialer steps by connection type and result",
	}, []string{"type", "result"})

	r.KillswitchEngaged = f.NewGauge(prometheus.GaugeOpts{
		Name: "vpnctl_killswitch_engaged",
		Help: "1 while the killswitch is engaged",
	})
	r.KillswitchErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnctl_killswitch_errors_total",
		Help: "Killswitch failures by operation",
	}, []string{"op"})

	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveConnect records the outcome of one connect attempt.
func (r *Registry) ObserveConnect(connType, result string, took time.Duration) {
	if r == nil {
		return
	}
	r.ConnectAttempts.WithLabelValues(connType, result).Inc()
	r.ConnectLatency.WithLabelValues(connType).Observe(took.Seconds())
}

// SetState records the controller state.
func (r *Registry) SetState(state int) {
	if r == nil {
		return
	}
	r.State.Set(float64(state))
	if state == 0 {
		r.Connected.Set(0)
	}
}

// SetConnected records the current connection duration.
func (r *Registry) SetConnected(d time.Duration) {
	if r == nil {
		return
	}
	r.Connected.Set(d.Seconds())
}

// SetTraffic records the latest bandwidth sample.
func (r *Registry) SetTraffic(sent, received int64, tx, rx float64) {
	if r == nil {
		return
	}
	r.BytesSent.Set(float64(sent))
	r.BytesReceived.Set(float64(received))
	r.TxRate.Set(tx)
	r.RxRate.Set(rx)
}

// ObserveDialStep records one AutoDialer step.
func (r *Registry) ObserveDialStep(connType, result string) {
	if r == nil {
		return
	}
	r.DialSteps.WithLabelValues(connType, result).Inc()
}

// SetKillswitch records whether the killswitch is engaged.
func (r *Registry) SetKillswitch(engaged bool) {
	if r == nil {
		return
	}
	v := 0.0
	if engaged {
		v = 1
	}
	r.KillswitchEngaged.Set(v)
}

// KillswitchError counts a failed killswitch operation.
func (r *Registry) KillswitchError(op string) {
	if r == nil {
		return
	}
	r.KillswitchErrors.WithLabelValues(op).Inc()
}
