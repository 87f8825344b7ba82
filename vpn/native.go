package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
)

// DialStatus is the state reported by an OS dialer.
type DialStatus int

const (
	DialIdle DialStatus = iota
	DialConnecting
	DialConnected
	DialFailed
)

// String returns the string representation of the status.
func (s DialStatus) String() string {
	switch s {
	case DialIdle:
		return "idle"
	case DialConnecting:
		return "connecting"
	case DialConnected:
		return "connected"
	case DialFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DialEntry is what the OS dialer needs for one attempt.
type DialEntry struct {
	Type     ConnectionType
	Host     string
	Username string
	Secret   *common.Secret
}

// Dialer is the narrow boundary to the platform's own connection manager.
// Dial blocks until the link is up or failed. Rejected credentials must be
// reported as an error matching common.ErrAuthenticationFailure.
type Dialer interface {
	Protocols() []ConnectionType
	Dial(ctx context.Context, entry DialEntry) error
	HangUp(ctx context.Context) error
	Status(ctx context.Context) (DialStatus, error)
	Stats(ctx context.Context) (sent, received int64, err error)
}

// NativeProvider delegates to an OS dialer and polls it for liveness and
// traffic counters while connected.
type NativeProvider struct {
	providerBase
	dialer Dialer
	poll   time.Duration
	log    *zap.SugaredLogger

	pollMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNativeProvider wraps dialer. poll defaults to common.MonitorInterval.
func NewNativeProvider(name string, dialer Dialer, poll time.Duration) *NativeProvider {
	if poll <= 0 {
		poll = common.MonitorInterval
	}
	return &NativeProvider{
		providerBase: providerBase{name: name},
		dialer:       dialer,
		poll:         poll,
		log:          common.Named(name),
	}
}

// AvailableProtocols implements Provider.
func (p *NativeProvider) AvailableProtocols() []ConnectionType {
	return p.dialer.Protocols()
}

// Connect implements Provider.
func (p *NativeProvider) Connect(ctx context.Context, req Request) error {
	if !supports(p, req.Type) {
		return &common.UnsupportedProtocolError{Type: req.Type}
	}
	if !p.initialized() {
		return common.ErrNotInitialized
	}
	if p.isActive() {
		p.stop(downUser)
	}

	p.markConnecting(req)

	creds, err := p.credentials(req.Type)
	if err != nil {
		err = &common.ProviderError{Provider: p.name, Err: fmt.Errorf("credentials: %w", err)}
		p.markDown(err, downFailure)
		return err
	}
	err = p.dialer.Dial(ctx, DialEntry{Type: req.Type, Host: req.Hostname, Username: creds.Username, Secret: creds.Secret})
	creds.Wipe()
	if err != nil {
		err = p.classify(ctx, err)
		p.hangUp()
		p.markDown(err, downFailure)
		return err
	}

	if !p.markUp() {
		// Disconnected while dialing.
		p.hangUp()
		return common.ErrCancelled
	}
	p.startPolling()
	return nil
}

func (p *NativeProvider) classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", common.ErrCancelled, err)
	case errors.Is(err, common.ErrAuthenticationFailure), errors.Is(err, common.ErrProviderFailure):
		return err
	default:
		return &common.ProviderError{Provider: p.name, Err: err}
	}
}

func (p *NativeProvider) startPolling() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.pollMu.Lock()
	p.cancel, p.done = cancel, done
	p.pollMu.Unlock()
	go p.pollLoop(ctx, done)
}

func (p *NativeProvider) stopPolling() {
	p.pollMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.pollMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *NativeProvider) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := p.dialer.Status(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil || status != DialConnected {
			if err == nil {
				err = fmt.Errorf("link %s", status)
			}
			p.log.Warnf("Native link lost: %v", err)
			p.pollMu.Lock()
			p.cancel, p.done = nil, nil
			p.pollMu.Unlock()
			p.markDown(&common.ProviderError{Provider: p.name, Err: err}, downFailure)
			return
		}

		if sent, recv, err := p.dialer.Stats(ctx); err == nil {
			p.recordUsage(sent, recv)
		} else {
			p.log.Debugf("Stats unavailable: %v", err)
		}
	}
}

func (p *NativeProvider) hangUp() {
	ctx, cancel := context.WithTimeout(context.Background(), common.ConnectionTimeout)
	defer cancel()
	if err := p.dialer.HangUp(ctx); err != nil {
		p.log.Warnf("Hang up: %v", err)
	}
}

func (p *NativeProvider) stop(mode downMode) {
	p.stopPolling()
	if p.isActive() || mode == downAbort {
		p.hangUp()
	}
	p.markDown(nil, mode)
}

// Disconnect implements Provider.
func (p *NativeProvider) Disconnect() error {
	p.stop(downUser)
	return nil
}

// Abort implements Provider.
func (p *NativeProvider) Abort() error {
	p.stop(downAbort)
	return nil
}
