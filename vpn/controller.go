package vpn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/metrics"
)

// Controller routes connect requests to the provider that supports the
// requested type and owns the connection state machine.
//
// Provider notifications are re-published through the controller's own
// Events after the state machine has accepted them. While error
// suppression is on, ConnectError and Disconnected are recorded but not
// published; Abort always publishes.
type Controller struct {
	events   Events
	creds    CredentialSupplier
	metrics  *metrics.Registry
	interval time.Duration
	log      *zap.SugaredLogger

	inFlight atomic.Bool

	mu        sync.Mutex
	providers []Provider
	current   Provider
	state     State
	req       Request
	lastError error
	suppress  bool
	aborting  int
	usage     BandwidthUsage
	tickStop  chan struct{}
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithMetrics records controller activity in r.
func WithMetrics(r *metrics.Registry) ControllerOption {
	return func(c *Controller) { c.metrics = r }
}

// WithDurationInterval sets the DurationUpdated period.
func WithDurationInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// NewController creates a controller that initializes every registered
// provider with creds.
func NewController(creds CredentialSupplier, opts ...ControllerOption) *Controller {
	c := &Controller{
		creds:    creds,
		interval: common.MonitorInterval,
		log:      common.Named("controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register initializes p and subscribes to its notifications. Providers
// are consulted in registration order.
func (c *Controller) Register(p Provider) error {
	if err := p.Initialize(c.creds); err != nil {
		return common.WrapError(err, "initialize "+p.Name())
	}

	ev := p.Events()
	for n := NotifyConnecting; n <= NotifyDriverInstallRequired; n++ {
		n := n
		ev.On(n, func(e Event) { c.onProviderEvent(p, n, e) })
	}
	ev.OnBandwidthUsage(func(u BandwidthUsage) { c.onBandwidth(p, u) })

	c.mu.Lock()
	c.providers = append(c.providers, p)
	c.mu.Unlock()
	return nil
}

// Events returns the controller's notification lists.
func (c *Controller) Events() *Events { return &c.events }

// Providers returns the registered providers in registration order.
func (c *Controller) Providers() []Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// AvailableProtocols returns the distinct types of every provider in
// registration order.
func (c *Controller) AvailableProtocols() []ConnectionType {
	seen := make(map[ConnectionType]bool)
	var out []ConnectionType
	for _, p := range c.Providers() {
		for _, t := range p.AvailableProtocols() {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func (c *Controller) providerFor(t ConnectionType) Provider {
	for _, p := range c.Providers() {
		if supports(p, t) {
			return p
		}
	}
	return nil
}

// Connect selects the provider for req.Type, disconnects the current
// connection with errors suppressed and blocks until the new attempt
// completes. Only one Connect may be in flight.
func (c *Controller) Connect(ctx context.Context, req Request) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return common.ErrConnectInProgress
	}
	defer c.inFlight.Store(false)

	c.log.Infof("Connecting to %s via %s", req.Hostname, req.Type)

	provider := c.providerFor(req.Type)
	if provider == nil {
		err := &common.UnsupportedProtocolError{Type: req.Type}
		c.mu.Lock()
		c.lastError = err
		c.mu.Unlock()
		c.metrics.ObserveConnect(req.Type.String(), metrics.ResultFailure, 0)
		return err
	}

	c.mu.Lock()
	c.lastError = nil
	cur := c.current
	c.mu.Unlock()

	if cur != nil && cur.IsConnected() {
		c.disconnectSuppressed(cur)
	}

	c.mu.Lock()
	if c.current != provider {
		c.usage = BandwidthUsage{}
	}
	c.current = provider
	c.req = req
	c.mu.Unlock()

	start := time.Now()
	err := provider.Connect(ctx, req)

	c.mu.Lock()
	if err == nil && c.lastError != nil {
		err = c.lastError
	}
	if err != nil && c.lastError == nil {
		c.lastError = err
	}
	c.mu.Unlock()

	c.metrics.ObserveConnect(req.Type.String(), connectResult(err), time.Since(start))
	if err != nil {
		c.log.Warnf("Connect to %s via %s failed: %v", req.Hostname, req.Type, err)
	}
	return err
}

func connectResult(err error) string {
	switch common.Classify(err) {
	case common.KindNone:
		return metrics.ResultSuccess
	case common.KindCancelled:
		return metrics.ResultCancelled
	default:
		return metrics.ResultFailure
	}
}

// disconnectSuppressed tears p down with error suppression on and
// restores the previous suppression value afterwards.
func (c *Controller) disconnectSuppressed(p Provider) {
	c.mu.Lock()
	prev := c.suppress
	c.suppress = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.suppress = prev
		c.mu.Unlock()
	}()

	if err := p.Disconnect(); err != nil {
		c.log.Warnf("Disconnecting %s before reconnect: %v", p.Name(), err)
	}
}

// ConnectAsync runs Connect on a new goroutine.
func (c *Controller) ConnectAsync(ctx context.Context, req Request) <-chan error {
	return async(func() error { return c.Connect(ctx, req) })
}

// Disconnect hangs up every provider.
func (c *Controller) Disconnect() error {
	var errs []error
	for _, p := range c.Providers() {
		if err := p.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisconnectAsync runs Disconnect on a new goroutine.
func (c *Controller) DisconnectAsync() <-chan error {
	return async(c.Disconnect)
}

// Abort aborts every provider and always publishes Disconnecting and
// Disconnected, whatever the current state and suppression.
func (c *Controller) Abort() error {
	c.mu.Lock()
	c.aborting++
	ev := c.eventLocked(nil)
	c.setStateLocked(StateDisconnecting)
	c.mu.Unlock()

	var errs []error
	for _, p := range c.Providers() {
		if err := p.Abort(); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.aborting--
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	c.stopTicker()

	c.events.Emit(NotifyDisconnecting, ev)
	c.events.Emit(NotifyDisconnected, ev)
	return errors.Join(errs...)
}

// AbortAsync runs Abort on a new goroutine.
func (c *Controller) AbortAsync() <-chan error {
	return async(c.Abort)
}

func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

// IsConnected reports whether any provider is connected. A connected
// provider found this way becomes the current one.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur != nil {
		return cur.IsConnected()
	}
	for _, p := range c.Providers() {
		if p.IsConnected() {
			c.mu.Lock()
			if c.current == nil {
				c.current = p
			}
			c.mu.Unlock()
			return true
		}
	}
	return false
}

func (c *Controller) anyConnected() bool {
	for _, p := range c.Providers() {
		if p.IsConnected() {
			return true
		}
	}
	return false
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentServer returns the host of the current provider.
func (c *Controller) CurrentServer() string {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return ""
	}
	return cur.CurrentServer()
}

// CurrentProvider returns the provider used by the last Connect.
func (c *Controller) CurrentProvider() Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ConnectedDuration returns how long the current provider has been up.
func (c *Controller) ConnectedDuration() time.Duration {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return 0
	}
	return cur.ConnectedDuration()
}

// Usage returns the last bandwidth sample of the current provider.
func (c *Controller) Usage() BandwidthUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// LastError returns the most recent connect failure.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// SetSuppressErrors turns error suppression on or off.
func (c *Controller) SetSuppressErrors(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppress = v
}

// SuppressErrors reports whether error suppression is on.
func (c *Controller) SuppressErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppress
}

// RaiseLastError turns suppression off and publishes the stored error as
// a ConnectError.
func (c *Controller) RaiseLastError() {
	c.mu.Lock()
	c.suppress = false
	err := c.lastError
	ev := c.eventLocked(err)
	c.mu.Unlock()
	if err != nil {
		c.events.Emit(NotifyConnectError, ev)
	}
}

// Close stops the duration timer and hangs up every provider.
func (c *Controller) Close() error {
	c.stopTicker()
	return c.Disconnect()
}

func (c *Controller) eventLocked(err error) Event {
	ev := Event{Type: c.req.Type, Host: c.req.Hostname, Context: c.req.Context, Err: err}
	if c.current != nil {
		ev.Provider = c.current.Name()
		if h := c.current.CurrentServer(); h != "" {
			ev.Host = h
		}
	}
	return ev
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.metrics.SetState(int(s))
}

// transitionLocked moves to s if the edge is valid.
func (c *Controller) transitionLocked(s State) bool {
	if c.state == s {
		return true
	}
	if !CanTransition(c.state, s) {
		c.log.Debugf("Ignoring transition %s -> %s", c.state, s)
		return false
	}
	c.setStateLocked(s)
	return true
}

func (c *Controller) onProviderEvent(p Provider, n Notification, ev Event) {
	c.mu.Lock()
	if c.aborting > 0 || p != c.current {
		c.mu.Unlock()
		return
	}

	publish := true
	switch n {
	case NotifyConnecting:
		publish = c.transitionLocked(StateConnecting)
	case NotifyConnected:
		if publish = c.transitionLocked(StateConnected); publish {
			c.startTickerLocked()
			c.log.Infof("Connected to %s via %s", ev.Host, ev.Type)
		}
	case NotifyDisconnecting:
		publish = c.transitionLocked(StateDisconnecting)
	case NotifyDisconnected:
		if c.state == StateConnected {
			c.transitionLocked(StateDisconnecting)
		}
		publish = c.transitionLocked(StateDisconnected) && !c.suppress
	case NotifyConnectError:
		c.lastError = ev.Err
		publish = !c.suppress
	}
	c.mu.Unlock()

	if n == NotifyDisconnected && !c.anyConnected() {
		c.stopTicker()
	}
	if publish {
		c.events.Emit(n, ev)
	}
}

func (c *Controller) onBandwidth(p Provider, u BandwidthUsage) {
	c.mu.Lock()
	if p != c.current {
		c.mu.Unlock()
		return
	}
	c.usage = u
	c.mu.Unlock()

	c.metrics.SetTraffic(u.BytesSent, u.BytesReceived, u.TxBytesPerSecond, u.RxBytesPerSecond)
	c.events.EmitBandwidthUsage(u)
}

func (c *Controller) startTickerLocked() {
	if c.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	c.tickStop = stop
	go c.tick(stop)
}

func (c *Controller) stopTicker() {
	c.mu.Lock()
	stop := c.tickStop
	c.tickStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Controller) tick(stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			d := c.ConnectedDuration()
			c.metrics.SetConnected(d)
			c.events.EmitDurationUpdated(d)
		}
	}
}
