package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yllada/vpnctl/history"
)

func newHistoryCommand(a *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.historyPath()
			if err != nil {
				return err
			}
			db, err := history.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(a.out, "No sessions recorded.")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tTYPE\tHOST\tDURATION\tSENT\tRECEIVED\tERROR")
			for _, s := range sessions {
				errText := "-"
				if s.Error != "" {
					errText = s.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Started.Local().Format("2006-01-02 15:04"), s.Type, s.Host,
					formatDuration(s.Duration()), formatBytes(s.BytesSent), formatBytes(s.BytesReceived), errText)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show (0 for all)")
	return cmd
}
