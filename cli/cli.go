// Package cli provides the vpnctl command tree. Connections run in the
// foreground: the process that connected owns the tunnel until it is
// interrupted.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/config"
	"github.com/yllada/vpnctl/history"
	"github.com/yllada/vpnctl/keyring"
	"github.com/yllada/vpnctl/metrics"
	"github.com/yllada/vpnctl/vpn"
)

// App carries what every command needs once the configuration is loaded.
type App struct {
	cfgPath string
	verbose bool

	cfg      *config.Config
	dir      string
	profiles *vpn.ProfileManager
	metrics  *metrics.Registry
	out      io.Writer
	prompt   keyring.PromptFunc
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &App{}

	root := &cobra.Command{
		Use:           common.AppName,
		Short:         "VPN connection manager",
		Long:          "vpnctl connects through OpenVPN or NetworkManager, fails over between protocols and keeps a traffic lockdown while the tunnel is down.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "configuration file (default ~/.config/vpnctl/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newConnectCommand(a),
		newAutoDialCommand(a),
		newProfilesCommand(a),
		newKillswitchCommand(a),
		newHistoryCommand(a),
		newSweepCommand(a),
	)
	return root
}

func (a *App) init(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.out = cmd.OutOrStdout()

	level := common.ParseLogLevel(cfg.LogLevel)
	if a.verbose {
		level = common.LevelDebug
	}
	common.GetLogger().SetLevel(level)

	if a.cfgPath != "" {
		a.dir = filepath.Dir(a.cfgPath)
	} else if a.dir, err = common.GetConfigDir(); err != nil {
		return err
	}
	if a.profiles, err = vpn.NewProfileManager(a.dir); err != nil {
		return err
	}
	if a.metrics == nil {
		a.metrics = metrics.Get()
	}
	if a.prompt == nil {
		a.prompt = terminalPrompt(os.Stdin, cmd.ErrOrStderr())
	}
	return nil
}

// loadConfig reads path, creating it with defaults when it does not exist.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	if !common.FileExists(path) {
		cfg := config.DefaultConfig()
		return cfg, cfg.SaveTo(path)
	}
	return config.LoadFrom(path)
}

func (a *App) historyPath() (string, error) {
	if a.cfg.HistoryDB != "" {
		return a.cfg.HistoryDB, nil
	}
	return history.DefaultPath()
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// formatBytes renders n with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
