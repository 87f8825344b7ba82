package vpn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/management"
	"github.com/yllada/vpnctl/process"
)

// Output fragments that carry meaning beyond the log.
var (
	driverMissingMarkers = []string{
		"there are no tap-windows nor wintun adapters",
		"cannot open tun/tap dev",
	}
	pingExitMarker = "inactivity timeout (--ping-exit)"
)

// OpenVPNConfig configures the process based provider.
type OpenVPNConfig struct {
	// Launch is the template for every launch; Custom carries the user's
	// options (profile config file, proto, port).
	Launch process.LaunchConfig
	// ProtectManagement generates a random management password per launch.
	ProtectManagement bool
	// ShutdownGrace bounds the graceful phase of a process shutdown.
	ShutdownGrace time.Duration
	// ByteCountInterval is the bandwidth sampling period in seconds.
	ByteCountInterval int
	// Management tunes the management endpoint dial.
	Management management.DialConfig
}

// OpenVPNProvider drives the openvpn binary through a supervised process
// and its management endpoint.
type OpenVPNProvider struct {
	providerBase
	cfg      OpenVPNConfig
	registry *process.Registry
	log      *zap.SugaredLogger

	// newSupervisor is replaced in tests.
	newSupervisor func() *process.Supervisor

	sessMu  sync.Mutex
	session *ovpnSession
	attempt *ovpnAttempt

	driverSignalled atomic.Bool
}

type ovpnSession struct {
	sup    *process.Supervisor
	client *management.Client
	ctx    context.Context
	cancel context.CancelFunc
	result chan error
	once   sync.Once
}

// ovpnAttempt is a Connect call that has not yet handed over to a
// session. Cancelling it stops the launch and the management dial.
type ovpnAttempt struct {
	cancel context.CancelFunc
}

// deliver hands the connect outcome to the waiting Connect call once.
func (s *ovpnSession) deliver(err error) {
	select {
	case s.result <- err:
	default:
	}
}

// NewOpenVPNProvider creates a provider that registers its processes in
// registry.
func NewOpenVPNProvider(registry *process.Registry, cfg OpenVPNConfig) *OpenVPNProvider {
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = common.ShutdownGrace
	}
	if cfg.ByteCountInterval == 0 {
		cfg.ByteCountInterval = 1
	}
	p := &OpenVPNProvider{
		providerBase: providerBase{name: "openvpn"},
		cfg:          cfg,
		registry:     registry,
		log:          common.Named("openvpn-provider"),
	}
	p.newSupervisor = func() *process.Supervisor {
		return process.NewSupervisor(process.WithGracePeriod(p.cfg.ShutdownGrace))
	}
	return p
}

// AvailableProtocols implements Provider.
func (p *OpenVPNProvider) AvailableProtocols() []ConnectionType {
	return []ConnectionType{TypeOpenVPN}
}

// Connect launches the tunnel process and blocks until it reports
// CONNECTED, fails, or ctx is done.
func (p *OpenVPNProvider) Connect(ctx context.Context, req Request) error {
	if req.Type != TypeOpenVPN {
		return &common.UnsupportedProtocolError{Type: req.Type}
	}
	if !p.initialized() {
		return common.ErrNotInitialized
	}

	p.sessMu.Lock()
	prev := p.session
	p.sessMu.Unlock()
	if prev != nil {
		p.endSession(prev, common.ErrCancelled)
		p.markDown(nil, downUser)
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	attempt := &ovpnAttempt{cancel: cancel}
	// stopped reports whether Disconnect or Abort ended this attempt.
	stopped := func() bool {
		return (actx.Err() != nil && ctx.Err() == nil) || !p.isActive()
	}
	p.sessMu.Lock()
	p.attempt = attempt
	p.sessMu.Unlock()
	defer func() {
		p.sessMu.Lock()
		if p.attempt == attempt {
			p.attempt = nil
		}
		p.sessMu.Unlock()
	}()

	p.driverSignalled.Store(false)
	p.markConnecting(req)
	if stopped() {
		return common.ErrCancelled
	}

	launch := p.cfg.Launch
	mgmtPassword := ""
	if p.cfg.ProtectManagement {
		mgmtPassword = uuid.NewString()
		launch.ManagementPassword = mgmtPassword
	}
	userOutput := launch.OnOutput
	launch.OnOutput = func(line string) {
		p.inspectOutput(line)
		if userOutput != nil {
			userOutput(line)
		}
	}

	var sup *process.Supervisor
	proc, err := p.registry.ReplaceActive(func() (process.Process, error) {
		sup = p.newSupervisor()
		if _, err := sup.Launch(req.Hostname, launch); err != nil {
			sup.Close()
			return nil, err
		}
		return sup, nil
	})
	if err != nil {
		p.markDown(err, downFailure)
		return err
	}
	if stopped() {
		p.discard(sup, nil)
		return common.ErrCancelled
	}

	handle := proc.Handle()
	dialCfg := p.cfg.Management
	dialCfg.Password = mgmtPassword
	client, err := management.Dial(actx, fmt.Sprintf("127.0.0.1:%d", handle.ManagementPort), dialCfg)
	if err != nil {
		p.discard(sup, nil)
		if stopped() {
			return common.ErrCancelled
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", common.ErrCancelled, err)
		} else {
			err = &common.ProviderError{Provider: p.name, Err: err}
		}
		p.markDown(err, downFailure)
		return err
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &ovpnSession{
		sup:    sup,
		client: client,
		ctx:    sctx,
		cancel: scancel,
		result: make(chan error, 1),
	}
	p.sessMu.Lock()
	if stopped() {
		p.sessMu.Unlock()
		p.discard(sup, client)
		return common.ErrCancelled
	}
	p.session = s
	p.sessMu.Unlock()

	go p.runSession(s)

	select {
	case err := <-s.result:
		return err
	case <-actx.Done():
		if stopped() {
			p.endSession(s, common.ErrCancelled)
			return common.ErrCancelled
		}
		err := fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
		p.fail(s, err)
		return err
	}
}

// discard tears down a process whose attempt ended before a session took
// it over.
func (p *OpenVPNProvider) discard(sup *process.Supervisor, client *management.Client) {
	if client != nil {
		if err := client.Signal("SIGTERM"); err != nil {
			p.log.Debugf("SIGTERM over management: %v", err)
		}
		client.Close()
	}
	if err := sup.Close(); err != nil {
		p.log.Warnf("Shutting down tunnel process: %v", err)
	}
	p.registry.Release(sup)
}

// Disconnect implements Provider.
func (p *OpenVPNProvider) Disconnect() error {
	p.stop(downUser)
	return nil
}

// Abort implements Provider.
func (p *OpenVPNProvider) Abort() error {
	p.stop(downAbort)
	return nil
}

func (p *OpenVPNProvider) stop(mode downMode) {
	p.sessMu.Lock()
	s, attempt := p.session, p.attempt
	p.sessMu.Unlock()

	if attempt != nil {
		attempt.cancel()
	}
	if s != nil {
		p.endSession(s, common.ErrCancelled)
	} else if mode == downAbort {
		// Nothing tracked; make sure no tunnel process lingers.
		p.registry.StopActive()
	}
	p.markDown(nil, mode)
}

// fail ends the session because of err and publishes the failure.
func (p *OpenVPNProvider) fail(s *ovpnSession, err error) {
	p.log.Warnf("Connection failed: %v", err)
	p.endSession(s, err)
	p.markDown(err, downFailure)
}

// endSession stops the loop, shuts the process down and releases
// everything. Only the first call has an effect.
func (p *OpenVPNProvider) endSession(s *ovpnSession, cause error) {
	s.once.Do(func() {
		s.cancel()
		if err := s.client.Signal("SIGTERM"); err != nil {
			p.log.Debugf("SIGTERM over management: %v", err)
		}
		if err := s.sup.Close(); err != nil {
			p.log.Warnf("Shutting down tunnel process: %v", err)
		}
		p.registry.Release(s.sup)
		s.client.Close()

		p.sessMu.Lock()
		if p.session == s {
			p.session = nil
		}
		p.sessMu.Unlock()

		s.deliver(cause)
	})
}

func (p *OpenVPNProvider) runSession(s *ovpnSession) {
	events := s.client.Events()
	exited := s.sup.Exited()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-exited:
			// Keep reading: the endpoint closes right after and any final
			// FATAL or EXITING line carries the better error.
			exited = nil
		case ev, ok := <-events:
			if !ok {
				if s.ctx.Err() == nil {
					msg := "management connection closed"
					if exited == nil {
						msg = "tunnel process exited"
					}
					p.fail(s, common.NewProviderError(p.name, "%s", msg))
				}
				return
			}
			if s.ctx.Err() != nil {
				return
			}
			if done := p.handle(s, ev); done {
				return
			}
		}
	}
}

// handle reacts to one management event and reports whether the session
// has ended.
func (p *OpenVPNProvider) handle(s *ovpnSession, ev management.Event) bool {
	switch ev.Kind {
	case management.EventHold:
		if err := s.client.Start(p.cfg.ByteCountInterval); err != nil {
			p.fail(s, &common.ProviderError{Provider: p.name, Err: err})
			return true
		}

	case management.EventPasswordNeeded:
		if !strings.Contains(ev.Message, "'Auth'") {
			p.fail(s, common.NewProviderError(p.name, "unsupported password request: %s", ev.Message))
			return true
		}
		creds, err := p.credentials(TypeOpenVPN)
		if err != nil {
			p.fail(s, &common.ProviderError{Provider: p.name, Err: fmt.Errorf("credentials: %w", err)})
			return true
		}
		err = s.client.SendCredentials("Auth", creds.Username, creds.Secret)
		creds.Wipe()
		if err != nil {
			p.fail(s, &common.ProviderError{Provider: p.name, Err: err})
			return true
		}

	case management.EventAuthFailed:
		p.fail(s, &common.AuthenticationError{Provider: p.name, Message: ev.Message})
		return true

	case management.EventState:
		p.log.Infof("State %s %s local=%s remote=%s", ev.State.Name, ev.State.Description, ev.State.LocalIP, ev.State.RemoteIP)
		switch ev.State.Name {
		case management.StateConnected:
			if ev.State.ConnectedWithErrors() {
				p.fail(s, common.NewProviderError(p.name, "connected with errors"))
				return true
			}
			if p.markUp() {
				s.deliver(nil)
			}
		case management.StateExiting:
			p.fail(s, common.NewProviderError(p.name, "tunnel exiting: %s", ev.State.Description))
			return true
		case management.StateReconnecting:
			p.log.Warnf("Tunnel reconnecting: %s", ev.State.Description)
		}

	case management.EventByteCount:
		p.recordUsage(ev.BytesOut, ev.BytesIn)

	case management.EventFatal:
		p.inspectOutput(ev.Message)
		p.fail(s, common.NewProviderError(p.name, "%s", ev.Message))
		return true

	case management.EventLog:
		if strings.Contains(strings.ToLower(ev.Message), pingExitMarker) {
			p.fail(s, common.NewProviderError(p.name, "connection timed out: %s", ev.Message))
			return true
		}

	case management.EventError:
		p.log.Warnf("Management error: %s", ev.Message)
	}
	return false
}

// inspectOutput watches process output and management FATAL text for a
// missing tunnel adapter driver. The signal fires once per attempt.
func (p *OpenVPNProvider) inspectOutput(line string) {
	lower := strings.ToLower(line)
	for _, m := range driverMissingMarkers {
		if strings.Contains(lower, m) {
			if !p.driverSignalled.CompareAndSwap(false, true) {
				return
			}
			p.mu.Lock()
			ev := p.eventLocked(errors.New(line))
			p.mu.Unlock()
			p.events.Emit(NotifyDriverInstallRequired, ev)
			return
		}
	}
}
