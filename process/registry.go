package process

import (
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
)

// Registry tracks the single active tunnel process. Creating a new process
// always tears the previous one down first, including untracked processes
// with the same executable name left behind by a crash or an external run.
type Registry struct {
	mu      sync.Mutex
	active  Process
	sweeper Sweeper
	name    string
	log     *zap.SugaredLogger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSweeper replaces the stray process sweeper. A nil sweeper disables
// sweeping.
func WithSweeper(s Sweeper) RegistryOption {
	return func(r *Registry) { r.sweeper = s }
}

// WithProcessName sets the executable name swept before each launch.
func WithProcessName(binary string) RegistryOption {
	return func(r *Registry) { r.name = filepath.Base(binary) }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sweeper: PsSweeper{},
		name:    DefaultBinary,
		log:     common.Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplaceActive disposes the current process, sweeps strays, and only then
// calls factory and registers its result. The registry lock is held
// throughout, so two launches never overlap.
func (r *Registry) ReplaceActive(factory func() (Process, error)) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.sweepLocked()

	p, err := factory()
	if err != nil {
		return nil, err
	}
	r.active = p
	if h := p.Handle(); h != nil {
		r.log.Infof("Active tunnel process: pid=%d host=%s", h.PID, h.RemoteHost)
	}
	return p, nil
}

// StopActive disposes the tracked process if any. Errors are logged.
func (r *Registry) StopActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

// Release forgets p without disposing it when it is the active process.
func (r *Registry) Release(p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == p {
		r.active = nil
	}
}

// Active returns the tracked process or nil.
func (r *Registry) Active() Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) stopLocked() {
	if r.active == nil {
		return
	}
	start := time.Now()
	if err := r.active.Close(); err != nil {
		r.log.Warnf("Disposing active process: %v", err)
	}
	r.log.Debugf("Active process disposed in %v", time.Since(start))
	r.active = nil
}

func (r *Registry) sweepLocked() {
	if r.sweeper == nil || r.name == "" {
		return
	}
	n, err := r.sweeper.Sweep(r.name)
	if err != nil {
		r.log.Warnf("Sweeping stray %s processes: %v", r.name, err)
	}
	if n > 0 {
		r.log.Infof("Killed %d stray %s process(es)", n, r.name)
	}
}
