package vpn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yllada/vpnctl/common"
)

// HealthState represents the current health state of a connection.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to check connection health.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures before marking unhealthy.
	FailureThreshold int
	// AutoReconnect enables automatic reconnection on failure.
	AutoReconnect bool
	// ReconnectDelay is the delay before each reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxReconnectAttempts int
	// TestHosts are dialled through the tunnel to prove it carries traffic.
	TestHosts []string
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:        30 * time.Second,
		FailureThreshold:     3,
		AutoReconnect:        true,
		ReconnectDelay:       common.ReconnectDelay,
		MaxReconnectAttempts: 5,
		TestHosts: []string{
			"8.8.8.8:53",        // Google DNS
			"1.1.1.1:53",        // Cloudflare DNS
			"208.67.222.222:53", // OpenDNS
		},
	}
}

// HealthTarget is the connection being watched.
type HealthTarget interface {
	IsConnected() bool
	CurrentServer() string
}

// ReconnectFunc re-establishes the connection, typically through an
// AutoDialer.
type ReconnectFunc func(ctx context.Context) error

// ProbeFunc checks that the tunnel carries traffic.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// ConnectionHealth tracks the health of the watched connection.
type ConnectionHealth struct {
	Server            string
	State             HealthState
	LastCheck         time.Time
	LastSuccess       time.Time
	ConsecutiveFails  int
	ReconnectAttempts int
	Latency           time.Duration
}

// HealthChecker probes the connection periodically and reconnects it
// after FailureThreshold consecutive failures.
type HealthChecker struct {
	mu        sync.RWMutex
	config    HealthConfig
	target    HealthTarget
	reconnect ReconnectFunc
	probe     ProbeFunc

	running  bool
	stopChan chan struct{}
	done     chan struct{}
	health   ConnectionHealth

	onHealthChange    func(oldState, newState HealthState)
	onReconnecting    func(attempt int)
	onReconnectFailed func(err error)
}

// NewHealthChecker creates a health checker for target. reconnect may be
// nil, which disables auto-reconnect.
func NewHealthChecker(target HealthTarget, reconnect ReconnectFunc, config HealthConfig) *HealthChecker {
	hc := &HealthChecker{
		config:    config,
		target:    target,
		reconnect: reconnect,
	}
	hc.probe = hc.tcpProbe
	return hc
}

// SetProbe replaces the connectivity probe.
func (hc *HealthChecker) SetProbe(fn ProbeFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probe = fn
}

// SetOnHealthChange sets a callback for health state changes.
func (hc *HealthChecker) SetOnHealthChange(callback func(oldState, newState HealthState)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onHealthChange = callback
}

// SetOnReconnecting sets a callback for reconnection attempts.
func (hc *HealthChecker) SetOnReconnecting(callback func(attempt int)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onReconnecting = callback
}

// SetOnReconnectFailed sets a callback for when reconnecting gives up.
func (hc *HealthChecker) SetOnReconnectFailed(callback func(err error)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onReconnectFailed = callback
}

// Start begins the health checking loop.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	stop, done := make(chan struct{}), make(chan struct{})
	hc.stopChan, hc.done = stop, done
	interval := hc.config.CheckInterval
	hc.mu.Unlock()

	common.LogInfo("Health checker started (interval: %v)", interval)
	go hc.runLoop(stop, done, interval)
}

// Stop stops the loop and waits for an in-flight check to finish.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	done := hc.done
	hc.mu.Unlock()

	<-done
	common.LogInfo("Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

// Health returns a copy of the current health record.
func (hc *HealthChecker) Health() ConnectionHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.health
}

// UpdateConfig updates the health checker configuration. A new interval
// applies after the next Start.
func (hc *HealthChecker) UpdateConfig(config HealthConfig) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.config = config
}

func (hc *HealthChecker) runLoop(stop, done chan struct{}, interval time.Duration) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.Check(ctx)
		}
	}
}

// Check runs one health check and, when the connection has just become
// unhealthy, the reconnect sequence.
func (hc *HealthChecker) Check(ctx context.Context) {
	if !hc.target.IsConnected() {
		hc.mu.Lock()
		hc.health = ConnectionHealth{}
		hc.mu.Unlock()
		return
	}

	hc.mu.RLock()
	probe := hc.probe
	cfg := hc.config
	hc.mu.RUnlock()

	latency, err := probe(ctx)
	if ctx.Err() != nil {
		return
	}

	hc.mu.Lock()
	h := &hc.health
	h.Server = hc.target.CurrentServer()
	h.LastCheck = time.Now()
	oldState := h.State

	if err != nil {
		h.ConsecutiveFails++
		h.Latency = 0
		common.LogWarn("Health check failed for %s (attempt %d/%d): %v",
			h.Server, h.ConsecutiveFails, cfg.FailureThreshold, err)
		if h.ConsecutiveFails >= cfg.FailureThreshold {
			h.State = HealthUnhealthy
		} else {
			h.State = HealthDegraded
		}
	} else {
		h.ConsecutiveFails = 0
		h.LastSuccess = time.Now()
		h.Latency = latency
		h.State = HealthHealthy
		h.ReconnectAttempts = 0
	}
	newState := h.State
	onChange := hc.onHealthChange
	hc.mu.Unlock()

	if oldState == newState {
		return
	}
	common.LogInfo("Health state changed: %s -> %s", oldState, newState)
	if onChange != nil {
		onChange(oldState, newState)
	}
	if newState == HealthUnhealthy && cfg.AutoReconnect && hc.reconnect != nil {
		hc.reconnectLoop(ctx, cfg)
	}
}

func (hc *HealthChecker) reconnectLoop(ctx context.Context, cfg HealthConfig) {
	var lastErr error
	for {
		hc.mu.Lock()
		if cfg.MaxReconnectAttempts > 0 && hc.health.ReconnectAttempts >= cfg.MaxReconnectAttempts {
			onFailed := hc.onReconnectFailed
			hc.mu.Unlock()
			common.LogError("Max reconnect attempts reached: %v", lastErr)
			if onFailed != nil {
				onFailed(fmt.Errorf("giving up after %d attempts: %w", cfg.MaxReconnectAttempts, lastErr))
			}
			return
		}
		hc.health.ReconnectAttempts++
		attempt := hc.health.ReconnectAttempts
		onReconnecting := hc.onReconnecting
		hc.mu.Unlock()

		common.LogInfo("Attempting reconnect (attempt %d)", attempt)
		if onReconnecting != nil {
			onReconnecting(attempt)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.ReconnectDelay):
		}

		if lastErr = hc.reconnect(ctx); lastErr == nil {
			common.LogInfo("Reconnect successful")
			hc.mu.Lock()
			hc.health.State = HealthHealthy
			hc.health.ConsecutiveFails = 0
			hc.health.ReconnectAttempts = 0
			hc.mu.Unlock()
			return
		}
		common.LogError("Reconnect failed: %v", lastErr)
		if ctx.Err() != nil {
			return
		}
	}
}

// tcpProbe dials each test host until one answers.
func (hc *HealthChecker) tcpProbe(ctx context.Context) (time.Duration, error) {
	hc.mu.RLock()
	hosts := hc.config.TestHosts
	hc.mu.RUnlock()

	d := net.Dialer{Timeout: common.ManagementTimeout}
	var lastErr error
	for _, host := range hosts {
		start := time.Now()
		conn, err := d.DialContext(ctx, "tcp", host)
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no test hosts configured")
	}
	return 0, common.WrapError(lastErr, "connectivity check failed")
}
