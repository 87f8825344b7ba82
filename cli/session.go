package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/history"
	"github.com/yllada/vpnctl/keyring"
	"github.com/yllada/vpnctl/killswitch"
	"github.com/yllada/vpnctl/process"
	"github.com/yllada/vpnctl/vpn"
)

// session is one foreground connection: the controller with its
// providers plus everything that hangs off it.
type session struct {
	app     *App
	profile *vpn.Profile
	ctl     *vpn.Controller
	ks      *killswitch.Killswitch
	health  *vpn.HealthChecker
	log     *zap.SugaredLogger
	closers []func()
}

type sessionOptions struct {
	savePassword bool
	noKillswitch bool
}

func (a *App) newSession(p *vpn.Profile, opts sessionOptions) (*session, error) {
	s := &session{app: a, profile: p, log: common.Named("session")}

	store, err := keyring.Open(a.dir)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	username := p.Username
	if username == "" {
		username = p.Name
	}
	s.ctl = vpn.NewController(store.Supplier(p.ID, username, a.prompt, opts.savePassword), vpn.WithMetrics(a.metrics))

	if err := s.registerProviders(); err != nil {
		s.close()
		return nil, err
	}
	// Closers run in reverse, so providers hang up before their backends go.
	s.closers = append(s.closers, func() { s.ctl.Close() })
	s.watch()

	if path, err := a.historyPath(); err != nil {
		s.log.Warnf("History disabled: %v", err)
	} else if db, err := history.Open(path); err != nil {
		s.log.Warnf("History disabled: %v", err)
	} else {
		history.Track(db, s.ctl)
		s.closers = append(s.closers, func() { db.Close() })
	}

	if a.cfg.Killswitch.Enabled && !opts.noKillswitch {
		if s.ks, err = a.killswitch(); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) registerProviders() error {
	cfg := s.app.cfg
	launch, err := cfg.OpenVPN.LaunchConfig()
	if err != nil {
		return err
	}
	launch.Custom = process.Merge(s.profile.OpenVPNOptions(), process.Options{}, launch.Custom)

	registry := process.NewRegistry(process.WithProcessName(cfg.OpenVPN.Binary))
	s.closers = append(s.closers, registry.StopActive)
	err = s.ctl.Register(vpn.NewOpenVPNProvider(registry, vpn.OpenVPNConfig{
		Launch:            launch,
		ProtectManagement: cfg.OpenVPN.ManagementPassword,
		ShutdownGrace:     cfg.OpenVPN.ShutdownGrace,
	}))
	if err != nil {
		return err
	}

	if conns := cfg.NativeConnections(); len(conns) > 0 {
		d, err := vpn.NewNetworkManagerDialer(conns)
		if err != nil {
			s.log.Warnf("NetworkManager unavailable: %v", err)
			return nil
		}
		s.closers = append(s.closers, func() { d.Close() })
		return s.ctl.Register(vpn.NewNativeProvider("networkmanager", d, common.MonitorInterval))
	}
	return nil
}

// watch prints lifecycle notifications.
func (s *session) watch() {
	out := s.app.out
	ev := s.ctl.Events()
	ev.OnConnecting(func(e vpn.Event) {
		fmt.Fprintf(out, "Connecting to %s via %s...\n", e.Host, e.Type)
	})
	ev.OnConnected(func(e vpn.Event) {
		fmt.Fprintf(out, "✓ Connected to %s via %s\n", e.Host, e.Type)
	})
	ev.OnDisconnected(func(e vpn.Event) {
		fmt.Fprintf(out, "Disconnected from %s\n", e.Host)
	})
	ev.OnConnectError(func(e vpn.Event) {
		fmt.Fprintf(out, "✗ %s: %v\n", e.Type, e.Err)
	})
	ev.OnDriverInstallRequired(func(vpn.Event) {
		fmt.Fprintln(out, "The tunnel adapter driver is missing; install the TAP/TUN driver and retry.")
	})
}

// supportedTypes keeps the entries of want the controller can dial.
func (s *session) supportedTypes(want []vpn.ConnectionType) []vpn.ConnectionType {
	avail := make(map[vpn.ConnectionType]bool)
	for _, t := range s.ctl.AvailableProtocols() {
		avail[t] = true
	}
	var out []vpn.ConnectionType
	for _, t := range want {
		if avail[t] {
			out = append(out, t)
		}
	}
	return out
}

// engage locks traffic down to the profile's server before dialing.
func (s *session) engage(ctx context.Context) error {
	if s.ks == nil {
		return nil
	}
	cfg := s.app.cfg.Killswitch
	host := s.profile.Hostname

	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s for killswitch: %w", host, err)
	}
	remote, err := killswitch.ParseAddressMasks(ips)
	if err != nil {
		return err
	}
	var pins []killswitch.HostEntry
	if net.ParseIP(host) == nil {
		pins = append(pins, killswitch.HostEntry{Hostname: host, IP: ips[0]})
	}

	var local []killswitch.AddressMask
	if cfg.AllowLAN {
		if local, err = killswitch.LocalNetworks(); err != nil {
			s.log.Warnf("LAN discovery failed, LAN will be blocked: %v", err)
		}
	}

	name := cfg.DisplayName
	if name == "" {
		name = s.profile.Name
	}
	return s.ks.Engage(pins, remote, local, cfg.PersistReboot, name)
}

// dialFunc performs the initial connect; it is reused for reconnects.
type dialFunc func(ctx context.Context) error

// run engages the killswitch, dials, then holds the tunnel until ctx ends.
func (s *session) run(ctx context.Context, dial dialFunc) error {
	defer s.close()

	if err := s.engage(ctx); err != nil {
		return err
	}
	if s.ks != nil {
		defer func() {
			if err := s.ks.Disengage(); err != nil {
				s.log.Warnf("Disengaging killswitch: %v", err)
			}
		}()
	}

	stopMetrics := s.app.serveMetrics()
	defer stopMetrics()

	timeout := s.app.cfg.ConnectTimeout
	bounded := func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return dial(dctx)
	}

	if err := bounded(ctx); err != nil {
		if ctx.Err() != nil {
			return common.ErrCancelled
		}
		return describeFailure(err)
	}
	if err := s.app.profiles.MarkUsed(s.profile.ID); err != nil {
		s.log.Debugf("Updating last used: %v", err)
	}

	if s.app.cfg.AutoReconnect {
		hcfg := vpn.DefaultHealthConfig()
		hcfg.CheckInterval = s.app.cfg.HealthInterval
		s.health = vpn.NewHealthChecker(s.ctl, bounded, hcfg)
		s.health.SetOnReconnecting(func(attempt int) {
			fmt.Fprintf(s.app.out, "Link lost, reconnecting (attempt %d)...\n", attempt)
		})
		s.health.SetOnReconnectFailed(func(err error) {
			fmt.Fprintf(s.app.out, "✗ Reconnect gave up: %v\n", err)
		})
		s.health.Start()
		defer s.health.Stop()
	}

	fmt.Fprintln(s.app.out, "Press Ctrl+C to disconnect.")
	<-ctx.Done()

	u := s.ctl.Usage()
	fmt.Fprintf(s.app.out, "\nDisconnecting after %s (sent %s, received %s)...\n",
		formatDuration(s.ctl.ConnectedDuration()), formatBytes(u.BytesSent), formatBytes(u.BytesReceived))
	return s.ctl.Disconnect()
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// describeFailure adds a hint matching the failure kind.
func describeFailure(err error) error {
	switch common.Classify(err) {
	case common.KindAuthentication:
		return fmt.Errorf("%w (check the username and saved password)", err)
	case common.KindLaunch:
		return fmt.Errorf("%w (is openvpn installed and are you allowed to run it?)", err)
	case common.KindEngine:
		return fmt.Errorf("%w (the firewall engine needs root)", err)
	}
	return err
}

// killswitch builds the killswitch from the config.
func (a *App) killswitch() (*killswitch.Killswitch, error) {
	engine, err := killswitch.NewDefaultEngine()
	if err != nil {
		return nil, err
	}
	cfg := a.cfg.Killswitch
	opts := []killswitch.Option{
		killswitch.WithAdapter(cfg.AdapterName),
		killswitch.WithMetrics(a.metrics),
	}
	if cfg.HostsFile != "" {
		opts = append(opts, killswitch.WithHostsFile(cfg.HostsFile))
	}
	if bin, err := exec.LookPath(a.cfg.OpenVPN.Binary); err == nil {
		opts = append(opts, killswitch.WithTunnelBinary(bin))
	}
	return killswitch.New(engine, opts...), nil
}

// serveMetrics starts the Prometheus endpoint when configured and returns
// its shutdown function.
func (a *App) serveMetrics() func() {
	if a.cfg.MetricsAddr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.LogWarn("Metrics endpoint stopped: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
