package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yllada/vpnctl/keyring"
	"github.com/yllada/vpnctl/vpn"
)

func newProfilesCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage saved connection profiles",
	}
	cmd.AddCommand(newProfilesListCommand(a), newProfilesAddCommand(a), newProfilesRemoveCommand(a))
	return cmd
}

func newProfilesListCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles := a.profiles.List()
			if len(profiles) == 0 {
				fmt.Fprintln(a.out, "No VPN profiles configured.")
				fmt.Fprintln(a.out, "Add one with: vpnctl profiles add NAME --host HOST")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tHOST\tTYPES\tLAST USED")
			fmt.Fprintln(w, "--\t----\t----\t-----\t---------")
			for _, p := range profiles {
				// Truncate ID for display
				shortID := p.ID
				if len(shortID) > 8 {
					shortID = shortID[:8]
				}
				types := "any"
				if len(p.ConnectionTypes) > 0 {
					types = strings.Join(p.ConnectionTypes, ",")
				}
				lastUsed := "never"
				if !p.LastUsed.IsZero() {
					lastUsed = p.LastUsed.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID, p.Name, p.Hostname, types, lastUsed)
			}
			return w.Flush()
		},
	}
}

func newProfilesAddCommand(a *App) *cobra.Command {
	var p vpn.Profile
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Name = args[0]
			if err := a.profiles.Add(&p); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "✓ Added %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Hostname, "host", "", "VPN server host name or address")
	f.StringVar(&p.ConfigPath, "config-file", "", "OpenVPN configuration file to import")
	f.StringVar(&p.Protocol, "proto", "", "OpenVPN transport (udp or tcp)")
	f.IntVar(&p.Port, "port", 0, "OpenVPN port")
	f.StringSliceVar(&p.ConnectionTypes, "types", nil, "dial order, e.g. openvpn,ikev2")
	f.StringVar(&p.Username, "username", "", "login name")
	f.BoolVar(&p.AutoConnect, "auto-connect", false, "connect this profile on startup")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func newProfilesRemoveCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "remove PROFILE",
		Short: "Remove a profile and its saved password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.profiles.Find(args[0])
			if err != nil {
				return err
			}
			if err := a.profiles.Remove(p.ID); err != nil {
				return err
			}
			if store, err := keyring.Open(a.dir); err == nil {
				if err := store.Delete(p.ID); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not remove saved password: %v\n", err)
				}
			}
			fmt.Fprintf(a.out, "✓ Removed %s\n", p.Name)
			return nil
		},
	}
}
