// Package config provides configuration management for vpnctl.
// It handles loading, saving, and normalising application settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/process"
	"github.com/yllada/vpnctl/vpn"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	OpenVPN    OpenVPNConfig    `yaml:"openvpn"`
	Killswitch KillswitchConfig `yaml:"killswitch"`
	AutoDial   AutoDialConfig   `yaml:"autodial"`
	// Native maps a connection type name to a NetworkManager connection UUID.
	Native map[string]string `yaml:"native,omitempty"`

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// AutoReconnect reconnects when the health checker sees the link die.
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	HealthInterval time.Duration `yaml:"health_interval"`
	LogLevel       string        `yaml:"log_level"`
	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// HistoryDB overrides the session history location.
	HistoryDB string `yaml:"history_db,omitempty"`
}

// OpenVPNConfig configures the tunnel process.
type OpenVPNConfig struct {
	Binary string `yaml:"binary"`
	// Wrapper is prepended to the command line, e.g. "pkexec".
	Wrapper  string `yaml:"wrapper,omitempty"`
	Protocol string `yaml:"protocol"`
	Port     int    `yaml:"port"`
	// ExtraOptions is appended to every launch, e.g. "--verb 3".
	ExtraOptions       string        `yaml:"extra_options,omitempty"`
	ManagementPassword bool          `yaml:"management_password"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	LogFile            string        `yaml:"log_file,omitempty"`
}

// KillswitchConfig configures the traffic lockdown.
type KillswitchConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AdapterName   string `yaml:"adapter_name"`
	PersistReboot bool   `yaml:"persist_reboot"`
	DisplayName   string `yaml:"display_name,omitempty"`
	HostsFile     string `yaml:"hosts_file,omitempty"`
	AllowLAN      bool   `yaml:"allow_lan"`
}

// AutoDialConfig lists the connection types tried in order.
type AutoDialConfig struct {
	ConnectionTypes []string `yaml:"connection_types"`
}

const (
	defaultHealthInterval = 30 * time.Second
	defaultPort           = 1194
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		OpenVPN: OpenVPNConfig{
			Binary:             process.DefaultBinary,
			Protocol:           "udp",
			Port:               defaultPort,
			ManagementPassword: true,
			ShutdownGrace:      common.ShutdownGrace,
		},
		Killswitch: KillswitchConfig{
			AdapterName: "tun0",
			AllowLAN:    true,
		},
		AutoDial: AutoDialConfig{
			ConnectionTypes: []string{"openvpn", "ikev2", "l2tp"},
		},
		ConnectTimeout: common.ConnectionTimeout,
		AutoReconnect:  true,
		HealthInterval: defaultHealthInterval,
		LogLevel:       "info",
	}
}

// Path returns the default configuration file path.
func Path() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}

// Load loads the configuration from the default location.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration at path. Missing keys keep their
// defaults; unknown keys are rejected.
func LoadFrom(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	cfg := DefaultConfig()
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing %s: %v", common.ErrConfigLoad, path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// validate rejects what cannot be interpreted and normalises out of range
// values back to their defaults.
func (c *Config) validate() error {
	def := DefaultConfig()

	switch strings.ToLower(c.OpenVPN.Protocol) {
	case "udp", "tcp":
		c.OpenVPN.Protocol = strings.ToLower(c.OpenVPN.Protocol)
	default:
		c.OpenVPN.Protocol = def.OpenVPN.Protocol
	}
	if c.OpenVPN.Port <= 0 || c.OpenVPN.Port > 65535 {
		c.OpenVPN.Port = def.OpenVPN.Port
	}
	if c.OpenVPN.Binary == "" {
		c.OpenVPN.Binary = def.OpenVPN.Binary
	}
	if c.OpenVPN.ShutdownGrace <= 0 {
		c.OpenVPN.ShutdownGrace = def.OpenVPN.ShutdownGrace
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	c.LogLevel = strings.ToLower(common.ParseLogLevel(c.LogLevel).String())

	if _, err := process.ParseOptions(c.OpenVPN.ExtraOptions); err != nil {
		return fmt.Errorf("openvpn.extra_options: %w", err)
	}
	if _, err := shlex.Split(c.OpenVPN.Wrapper); err != nil {
		return fmt.Errorf("openvpn.wrapper: %w", err)
	}
	for _, name := range c.AutoDial.ConnectionTypes {
		if _, err := vpn.ParseConnectionType(name); err != nil {
			return fmt.Errorf("autodial.connection_types: %w", err)
		}
	}
	for name := range c.Native {
		if _, err := vpn.ParseConnectionType(name); err != nil {
			return fmt.Errorf("native: %w", err)
		}
	}
	return nil
}

// Save saves the configuration to the default location.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the configuration to path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: creating config directory: %v", common.ErrConfigSave, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}
	if err := common.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}
	return nil
}

// AutoDialTypes returns the configured dial order. Entries were checked by
// validate.
func (c *Config) AutoDialTypes() []vpn.ConnectionType {
	var out []vpn.ConnectionType
	seen := make(map[vpn.ConnectionType]bool)
	for _, name := range c.AutoDial.ConnectionTypes {
		t, err := vpn.ParseConnectionType(name)
		if err != nil || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// NativeConnections returns the NetworkManager connection per type.
func (c *Config) NativeConnections() map[vpn.ConnectionType]string {
	out := make(map[vpn.ConnectionType]string, len(c.Native))
	for name, uuid := range c.Native {
		if t, err := vpn.ParseConnectionType(name); err == nil && uuid != "" {
			out[t] = uuid
		}
	}
	return out
}

// LaunchConfig builds the process launch template from the openvpn section.
func (o OpenVPNConfig) LaunchConfig() (process.LaunchConfig, error) {
	extra, err := process.ParseOptions(o.ExtraOptions)
	if err != nil {
		return process.LaunchConfig{}, err
	}
	wrapper, err := shlex.Split(o.Wrapper)
	if err != nil {
		return process.LaunchConfig{}, fmt.Errorf("parse wrapper: %w", err)
	}

	custom := process.Merge(extra, process.Options{}, process.NewOptions(
		process.Option{Key: "proto", Value: o.Protocol},
		process.Option{Key: "port", Value: fmt.Sprint(o.Port)},
	))
	return process.LaunchConfig{
		Binary:  o.Binary,
		Wrapper: wrapper,
		Custom:  custom,
		LogFile: o.LogFile,
	}, nil
}
