package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yllada/vpnctl/process"
)

func newSweepCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Terminate stray tunnel processes left by a crash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := filepath.Base(a.cfg.OpenVPN.Binary)
			n, err := process.PsSweeper{}.Sweep(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Terminated %d %s process(es)\n", n, name)
			return nil
		},
	}
}
