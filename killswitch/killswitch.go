package killswitch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/metrics"
)

// AdapterResolver returns the OS index of the named adapter.
type AdapterResolver func(name string) (uint32, error)

// Killswitch coordinates hosts-file pinning with the firewall engine.
type Killswitch struct {
	engine       Engine
	hosts        *HostsFile
	state        *stateFile
	adapterName  string
	tunnelBinary string
	resolve      AdapterResolver
	metrics      *metrics.Registry
	log          *zap.SugaredLogger

	mu sync.Mutex
}

// Option configures a Killswitch.
type Option func(*Killswitch)

// WithHostsFile edits path instead of the platform hosts file.
func WithHostsFile(path string) Option {
	return func(k *Killswitch) { k.hosts = NewHostsFile(path) }
}

// WithAdapter names the tunnel adapter, e.g. "tun0".
func WithAdapter(name string) Option {
	return func(k *Killswitch) { k.adapterName = name }
}

// WithTunnelBinary passes the tunnel binary path to the engine.
func WithTunnelBinary(path string) Option {
	return func(k *Killswitch) { k.tunnelBinary = path }
}

// WithStateFile sets where persistent engagements are recorded.
func WithStateFile(path string) Option {
	return func(k *Killswitch) { k.state = &stateFile{path: path} }
}

// WithAdapterResolver replaces the OS adapter lookup.
func WithAdapterResolver(fn AdapterResolver) Option {
	return func(k *Killswitch) { k.resolve = fn }
}

// WithMetrics records engagement in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(k *Killswitch) { k.metrics = r }
}

// New creates a killswitch over engine.
func New(engine Engine, opts ...Option) *Killswitch {
	k := &Killswitch{
		engine:  engine,
		hosts:   NewHostsFile(DefaultHostsPath()),
		resolve: AdapterIndex,
		log:     common.Named("killswitch"),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.state == nil {
		if dir, err := common.GetConfigDir(); err == nil {
			k.state = &stateFile{path: filepath.Join(dir, common.KillswitchStateFile)}
		}
	}
	return k
}

// Engage pins hosts and locks traffic down to remote, local and the tunnel
// adapter. An engine failure is returned as *common.EngineError and leaves
// the hosts file as it was.
func (k *Killswitch) Engage(hosts []HostEntry, remote, local []AddressMask, persistReboot bool, displayName string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	idx := common.UnknownAdapterIndex
	if k.adapterName != "" && k.resolve != nil {
		if i, err := k.resolve(k.adapterName); err != nil {
			k.log.Warnf("Resolving adapter %s: %v; continuing without index", k.adapterName, err)
		} else {
			idx = i
		}
	}

	if err := k.hosts.Pin(hosts); err != nil {
		k.metrics.KillswitchError("engage")
		return fmt.Errorf("pin hosts: %w", err)
	}

	code := k.engine.Engage(EngageParams{
		Remote:        remote,
		Local:         local,
		AdapterIndex:  idx,
		AdapterName:   k.adapterName,
		TunnelBinary:  k.tunnelBinary,
		PersistReboot: persistReboot,
		DisplayName:   displayName,
	})
	if code != 0 {
		if err := k.hosts.Unpin(); err != nil {
			k.log.Warnf("Removing pinned hosts after failed engage: %v", err)
		}
		k.metrics.KillswitchError("engage")
		return &common.EngineError{Op: "engage", Code: code}
	}

	if persistReboot && k.state != nil {
		st := persistedState{
			Hosts:       hosts,
			Remote:      maskStrings(remote),
			Local:       maskStrings(local),
			DisplayName: displayName,
			EngagedAt:   time.Now(),
		}
		if err := k.state.save(st); err != nil {
			k.log.Warnf("Saving killswitch state: %v", err)
		}
	}

	k.metrics.SetKillswitch(true)
	k.log.Infof("Engaged (%d remote, %d local, adapter %d)", len(remote), len(local), idx)
	return nil
}

// Disengage removes the pinned hosts and lifts the lockdown. A hosts-file
// failure is logged and never prevents the engine call.
func (k *Killswitch) Disengage() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.hosts.Unpin(); err != nil {
		k.log.Warnf("Removing pinned hosts: %v", err)
	}
	code := k.engine.Disengage()
	if k.state != nil {
		if err := k.state.remove(); err != nil {
			k.log.Warnf("Removing killswitch state: %v", err)
		}
	}
	if code != 0 {
		k.metrics.KillswitchError("disengage")
		return &common.EngineError{Op: "disengage", Code: code}
	}
	k.metrics.SetKillswitch(false)
	k.log.Info("Disengaged")
	return nil
}

// IsEngaged asks the engine.
func (k *Killswitch) IsEngaged() bool {
	return k.engine.IsEngaged()
}

// Restore re-engages a persistent lockdown saved by an earlier Engage. It
// reports whether there was anything to restore.
func (k *Killswitch) Restore() (bool, error) {
	if k.state == nil {
		return false, nil
	}
	st, err := k.state.load()
	if err != nil || st == nil {
		return false, err
	}
	remote, err := ParseAddressMasks(st.Remote)
	if err != nil {
		return false, err
	}
	local, err := ParseAddressMasks(st.Local)
	if err != nil {
		return false, err
	}
	k.log.Infof("Restoring lockdown engaged at %s", st.EngagedAt.Format(time.RFC3339))
	return true, k.Engage(st.Hosts, remote, local, true, st.DisplayName)
}
