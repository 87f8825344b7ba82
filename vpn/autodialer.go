package vpn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/metrics"
)

// DialController is the part of Controller the AutoDialer drives.
type DialController interface {
	Connect(ctx context.Context, req Request) error
	DisconnectAsync() <-chan error
	IsConnected() bool
	SetSuppressErrors(v bool)
	SuppressErrors() bool
	RaiseLastError()
	LastError() error
	AvailableProtocols() []ConnectionType
}

// DialStepFunc is called for every failed step of a dial sequence.
type DialStepFunc func(req Request, err error)

// AutoDialer tries connection types one after another through the
// controller until one connects. Attempts are strictly sequential since
// the protocols share the network adapter.
type AutoDialer struct {
	controller DialController
	types      []ConnectionType
	metrics    *metrics.Registry
	log        *zap.SugaredLogger

	running atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	onFailed []DialStepFunc
}

// NewAutoDialer creates a dialer over types. An empty list means every
// protocol the controller advertises, in registration order.
func NewAutoDialer(controller DialController, types []ConnectionType, m *metrics.Registry) *AutoDialer {
	if len(types) == 0 {
		types = controller.AvailableProtocols()
	}
	return &AutoDialer{
		controller: controller,
		types:      append([]ConnectionType(nil), types...),
		metrics:    m,
		log:        common.Named("autodial"),
	}
}

// ConnectionTypes returns the dial order.
func (a *AutoDialer) ConnectionTypes() []ConnectionType {
	return append([]ConnectionType(nil), a.types...)
}

// OnDialStepFailed registers fn for failed steps. It is not called for
// steps that fail because of an abort.
func (a *AutoDialer) OnDialStepFailed(fn DialStepFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFailed = append(a.onFailed, fn)
}

// BeginAutoDial runs AutoDial on a new goroutine.
func (a *AutoDialer) BeginAutoDial(ctx context.Context, req Request) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- a.AutoDial(ctx, req) }()
	return ch
}

// AbortAutoDial cancels the running sequence and asks the controller to
// disconnect. The loop observes the cancellation between steps.
func (a *AutoDialer) AbortAutoDial() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.controller.DisconnectAsync()
}

// AutoDial walks the connection types until one connects. It returns nil
// on success, an error matching common.ErrCancelled after an abort, or
// the controller's last error once every type has failed.
func (a *AutoDialer) AutoDial(ctx context.Context, req Request) error {
	if !a.running.CompareAndSwap(false, true) {
		return common.ErrDialInProgress
	}
	defer a.running.Store(false)

	if len(a.types) == 0 {
		return common.ErrNoProviders
	}

	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		cancel()
	}()

	prevSuppress := a.controller.SuppressErrors()
	a.controller.SetSuppressErrors(true)
	defer a.controller.SetSuppressErrors(prevSuppress)

	for i, t := range a.types {
		if ctx.Err() != nil {
			break
		}
		step := req.WithType(t)
		a.log.Infof("Dial step %d/%d: %s to %s", i+1, len(a.types), t, req.Hostname)

		err := a.controller.Connect(ctx, step)
		if ctx.Err() != nil {
			a.metrics.ObserveDialStep(t.String(), metrics.ResultCancelled)
			break
		}
		if err == nil && a.controller.IsConnected() {
			a.metrics.ObserveDialStep(t.String(), metrics.ResultSuccess)
			return nil
		}
		if err == nil {
			err = common.NewProviderError(t.String(), "not connected after dial")
		}
		a.metrics.ObserveDialStep(t.String(), metrics.ResultFailure)
		a.log.Warnf("Dial step %s failed: %v", t, err)
		a.stepFailed(step, err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: auto dial aborted", common.ErrCancelled)
	}

	a.controller.RaiseLastError()
	if err := a.controller.LastError(); err != nil {
		return err
	}
	return common.NewProviderError("autodial", "no connection type succeeded")
}

func (a *AutoDialer) stepFailed(req Request, err error) {
	a.mu.Lock()
	fns := append([]DialStepFunc(nil), a.onFailed...)
	a.mu.Unlock()
	for _, fn := range fns {
		fn(req, err)
	}
}
