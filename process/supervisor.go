package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
)

// DefaultBinary is the tunnel executable looked up in PATH.
const DefaultBinary = "openvpn"

// interruptSequence is written to stdin to request a graceful exit.
const interruptSequence = "\x03\n"

// killWait bounds how long we wait for the OS to reap a killed process.
const killWait = 2 * time.Second

// LaunchConfig describes one tunnel process launch.
type LaunchConfig struct {
	// Binary is the tunnel executable. Defaults to DefaultBinary.
	Binary string
	// Wrapper is prepended to the command line, e.g. ["pkexec"].
	Wrapper []string
	// Custom holds caller supplied options such as --config or --proto.
	Custom Options
	// ManagementPassword protects the management endpoint when non-empty.
	ManagementPassword string
	// PasswordDir receives the management password file. Defaults to the
	// application data directory.
	PasswordDir string
	// LogFile enables --log-append as a default option.
	LogFile string
	// OnOutput receives every stdout/stderr line of the process.
	OnOutput func(line string)
}

// Handle describes a launched tunnel process.
type Handle struct {
	PID            int
	ManagementPort int
	RemoteHost     string
	StartedAt      time.Time
}

// Process is a supervised tunnel process as seen by the Registry.
type Process interface {
	Handle() *Handle
	IsRunning() bool
	Shutdown(grace time.Duration) error
	Close() error
}

// Supervisor owns one tunnel process from launch to disposal.
type Supervisor struct {
	log   *zap.SugaredLogger
	out   *zap.SugaredLogger
	grace time.Duration
	poll  time.Duration

	portMin int
	portMax int

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	handle  *Handle
	pwFile  string
	exited  chan struct{}
	exitErr error
	closed  bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithGracePeriod sets the shutdown grace period used by Close.
func WithGracePeriod(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.grace = d }
}

// WithPollInterval sets the exit polling step used during shutdown.
func WithPollInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.poll = d }
}

// WithPortRange overrides the management port range.
func WithPortRange(min, max int) SupervisorOption {
	return func(s *Supervisor) { s.portMin, s.portMax = min, max }
}

// NewSupervisor creates a supervisor with nothing launched yet.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		log:     common.Named("process"),
		out:     common.Named("openvpn"),
		grace:   common.ShutdownGrace,
		poll:    common.ShutdownPollInterval,
		portMin: common.ManagementPortMin,
		portMax: common.ManagementPortMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MandatoryOptions are the options every launch carries. They win over
// custom options of the same key.
func MandatoryOptions(remoteHost string, managementPort int, passwordFile string) Options {
	mgmt := "127.0.0.1 " + strconv.Itoa(managementPort)
	if passwordFile != "" {
		mgmt += " " + QuoteArg(passwordFile)
	}
	return NewOptions(
		Option{Key: "client"},
		Option{Key: "remote", Value: QuoteArg(remoteHost)},
		Option{Key: "nobind"},
		Option{Key: "dev", Value: "tun"},
		Option{Key: "auth-nocache"},
		Option{Key: "script-security", Value: "3"},
		Option{Key: "auth-user-pass"},
		Option{Key: "explicit-exit-notify"},
		Option{Key: "management-hold"},
		Option{Key: "management-query-passwords"},
		Option{Key: "management-up-down"},
		Option{Key: "management-forget-disconnect"},
		Option{Key: "auth-retry", Value: "interact"},
		Option{Key: "up-restart"},
		Option{Key: "management", Value: mgmt},
	)
}

// DefaultOptions fill keys that neither the caller nor the mandatory set
// provided.
func DefaultOptions(logFile string) Options {
	o := NewOptions(
		Option{Key: "port", Value: "1194"},
		Option{Key: "ping", Value: "10"},
		Option{Key: "ping-exit", Value: "30"},
		Option{Key: "proto", Value: "udp"},
	)
	if logFile != "" {
		o = o.With("log-append", QuoteArg(logFile))
	}
	if runtime.GOOS == "windows" {
		o = o.With("block-outside-dns", "")
	}
	return o
}

// BuildOptions merges the three option layers for one launch. Exit
// notification is a UDP only option and is dropped for TCP.
func BuildOptions(remoteHost string, managementPort int, passwordFile string, cfg LaunchConfig) Options {
	merged := Merge(cfg.Custom, MandatoryOptions(remoteHost, managementPort, passwordFile), DefaultOptions(cfg.LogFile))
	if proto, _ := merged.Get("proto"); strings.HasPrefix(strings.ToLower(proto), "tcp") {
		merged = merged.Without("explicit-exit-notify")
	}
	return merged
}

// Launch starts the tunnel process for remoteHost. A supervisor launches
// at most once.
func (s *Supervisor) Launch(remoteHost string, cfg LaunchConfig) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	if s.cmd != nil || s.closed {
		return nil, &common.LaunchError{Binary: binary, Err: errors.New("supervisor already used")}
	}

	port, err := FreePortInRange(s.portMin, s.portMax)
	if err != nil {
		return nil, &common.LaunchError{Binary: binary, Err: err}
	}

	pwFile := ""
	if cfg.ManagementPassword != "" {
		pwFile, err = writePasswordFile(cfg.PasswordDir, cfg.ManagementPassword)
		if err != nil {
			s.log.Warnf("Management password file not written, endpoint unprotected: %v", err)
			pwFile = ""
		}
	}

	opts := BuildOptions(remoteHost, port, pwFile, cfg)
	args, err := opts.Args()
	if err != nil {
		removeQuietly(pwFile)
		return nil, &common.LaunchError{Binary: binary, Err: err}
	}

	name := binary
	if len(cfg.Wrapper) > 0 {
		name = cfg.Wrapper[0]
		args = append(append(append([]string{}, cfg.Wrapper[1:]...), binary), args...)
	}
	cmd := exec.Command(name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		removeQuietly(pwFile)
		return nil, &common.LaunchError{Binary: binary, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeQuietly(pwFile)
		return nil, &common.LaunchError{Binary: binary, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		removeQuietly(pwFile)
		return nil, &common.LaunchError{Binary: binary, Err: err}
	}

	s.log.Infof("Starting %s %s", name, opts.CommandLine())
	if err := cmd.Start(); err != nil {
		removeQuietly(pwFile)
		return nil, &common.LaunchError{Binary: binary, Err: err}
	}

	s.cmd = cmd
	s.stdin = stdin
	s.pwFile = pwFile
	s.exited = make(chan struct{})
	s.handle = &Handle{
		PID:            cmd.Process.Pid,
		ManagementPort: port,
		RemoteHost:     remoteHost,
		StartedAt:      time.Now(),
	}

	var forwarders sync.WaitGroup
	forwarders.Add(2)
	for _, r := range []io.Reader{stdout, stderr} {
		go func(r io.Reader) {
			defer forwarders.Done()
			s.forward(r, cfg.OnOutput)
		}(r)
	}
	go s.wait(cmd, &forwarders, s.exited)

	s.log.Infof("Tunnel process started: pid=%d management=127.0.0.1:%d", s.handle.PID, port)
	h := *s.handle
	return &h, nil
}

// forward copies output lines to the log and the caller hook.
func (s *Supervisor) forward(r io.Reader, hook func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.out.Info(line)
		if hook != nil {
			hook(line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Debugf("Output scan stopped: %v", err)
	}
	// Keep draining so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// wait reaps the process once both output pipes hit EOF, so every line
// is forwarded before Exited fires.
func (s *Supervisor) wait(cmd *exec.Cmd, forwarders *sync.WaitGroup, exited chan struct{}) {
	forwarders.Wait()
	err := cmd.Wait()
	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	if err != nil {
		s.log.Infof("Tunnel process %d exited: %v", cmd.Process.Pid, err)
	} else {
		s.log.Infof("Tunnel process %d exited", cmd.Process.Pid)
	}
	close(exited)
}

// Handle returns a copy of the launch handle, or nil before Launch.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	h := *s.handle
	return &h
}

// Exited is closed once the process has been reaped. Nil before Launch.
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// ExitErr returns the error reported by the process exit, if any.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *Supervisor) hasExited() bool {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited == nil {
		return true
	}
	select {
	case <-exited:
		return true
	default:
		return false
	}
}

// IsRunning reports whether the OS still knows the process as alive. Any
// query failure counts as not running.
func (s *Supervisor) IsRunning() bool {
	if s.hasExited() {
		return false
	}
	s.mu.Lock()
	pid := s.handle.PID
	s.mu.Unlock()

	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// Shutdown asks the process to exit, waits up to grace in small polling
// steps, and force-kills it after that.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.mu.Unlock()
	if cmd == nil || s.hasExited() {
		return nil
	}

	s.interrupt()

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-exited:
			return nil
		case <-ticker.C:
		}
	}

	s.log.Warnf("Tunnel process %d did not exit within %v, killing", cmd.Process.Pid, grace)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warnf("Kill failed: %v", err)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %d still alive after kill", cmd.Process.Pid)
	}
}

// interrupt writes the control character to stdin. On platforms where the
// binary does not watch stdin an interrupt signal is sent as well. Errors
// are ignored because the process may already be gone.
func (s *Supervisor) interrupt() {
	s.mu.Lock()
	stdin, cmd := s.stdin, s.cmd
	s.mu.Unlock()

	if stdin != nil {
		if _, err := io.WriteString(stdin, interruptSequence); err != nil {
			s.log.Debugf("Interrupt write failed: %v", err)
		}
	}
	if runtime.GOOS != "windows" {
		_ = cmd.Process.Signal(os.Interrupt)
	}
}

// Close shuts the process down with the configured grace period and
// releases every resource tied to it. It is safe to call more than once.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Shutdown(s.grace)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		s.stdin.Close()
	}
	removeQuietly(s.pwFile)
	s.pwFile = ""
	return err
}

func writePasswordFile(dir, password string) (string, error) {
	if dir == "" {
		d, err := common.GetDataDir()
		if err != nil {
			return "", err
		}
		dir = d
	}
	f, err := os.CreateTemp(dir, common.ManagementPassFileName+".*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Chmod(0600); err != nil && runtime.GOOS != "windows" {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if _, err := f.WriteString(password + "\n"); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func removeQuietly(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		common.LogWarn("Failed to remove %s: %v", path, err)
	}
}
