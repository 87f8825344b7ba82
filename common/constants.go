// Package common provides shared constants, types, and utilities
// used across vpnctl.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application. It is also the marker
	// written into pinned hosts-file lines.
	AppName = "vpnctl"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpnctl"
)

// File names used by the application.
const (
	ProfilesFileName       = "profiles.yaml"
	ConfigFileName         = "config.yaml"
	CredentialsFileName    = ".credentials"
	LogFileName            = "vpnctl.log"
	ManagementPassFileName = "ovpn.mgmnt"
	KillswitchStateFile    = "killswitch.yaml"
	HistoryFileName        = "history.db"
)

// Default timeouts and intervals.
const (
	// ConnectionTimeout bounds a connect attempt started from the CLI.
	ConnectionTimeout = 60 * time.Second
	// MonitorInterval is how often connection duration is published.
	MonitorInterval = 1 * time.Second
	// ReconnectDelay is the delay before attempting to reconnect.
	ReconnectDelay = 5 * time.Second
	// ManagementTimeout is the timeout for reaching the management interface.
	ManagementTimeout = 5 * time.Second
	// ShutdownGrace is how long the tunnel process gets to run its down script.
	ShutdownGrace = 10 * time.Second
	// ShutdownPollInterval is the polling step while waiting for exit.
	ShutdownPollInterval = 100 * time.Millisecond
)

// Management port range probed for a free local port.
const (
	ManagementPortMin = 30000
	ManagementPortMax = 40000
)

// UnknownAdapterIndex is handed to the firewall engine when the tunnel
// adapter could not be resolved.
const UnknownAdapterIndex uint32 = 999999
