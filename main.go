// Package main provides the entry point for vpnctl, a command-line VPN
// connection manager.
//
// Features:
//   - OpenVPN tunnels supervised through the management interface
//   - IKEv2, L2TP/IPSec, SSTP and Cisco IPSec through NetworkManager
//   - Protocol failover with auto dial
//   - Traffic lockdown (killswitch) while the tunnel is down
//   - Secure credential storage using the system keyring
//   - Session history and Prometheus metrics
//
// Usage:
//
//	vpnctl [command] [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/vpnctl/cli"
	"github.com/yllada/vpnctl/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
var (
	appVersion = "dev"
	buildTime  = "unknown"
)

func main() {
	if err := common.InitLogger(common.LogConfig{
		Level:       common.LevelInfo,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandler(cancel)

	version := appVersion
	if buildTime != "unknown" {
		version += " (built " + buildTime + ")"
	}

	err := cli.NewRootCommand(version).ExecuteContext(ctx)
	cancel()
	common.CloseLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupSignalHandler cancels the context on SIGINT/SIGTERM so a running
// connection is torn down cleanly.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, shutting down", sig)
		cancel()
	}()
}
