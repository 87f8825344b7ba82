package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yllada/vpnctl/killswitch"
)

func newKillswitchCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Control the traffic lockdown directly",
	}
	cmd.AddCommand(
		newKillswitchEngageCommand(a),
		&cobra.Command{
			Use:   "disengage",
			Short: "Lift the lockdown and remove pinned hosts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ks, err := a.killswitch()
				if err != nil {
					return err
				}
				if err := ks.Disengage(); err != nil {
					return describeFailure(err)
				}
				fmt.Fprintln(a.out, "✓ Killswitch disengaged")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether the lockdown is active",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ks, err := a.killswitch()
				if err != nil {
					return err
				}
				if ks.IsEngaged() {
					fmt.Fprintln(a.out, "Killswitch: engaged")
				} else {
					fmt.Fprintln(a.out, "Killswitch: disengaged")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Re-engage a lockdown saved with --persist",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ks, err := a.killswitch()
				if err != nil {
					return err
				}
				restored, err := ks.Restore()
				if err != nil {
					return describeFailure(err)
				}
				if restored {
					fmt.Fprintln(a.out, "✓ Killswitch restored")
				} else {
					fmt.Fprintln(a.out, "Nothing to restore.")
				}
				return nil
			},
		},
	)
	return cmd
}

func newKillswitchEngageCommand(a *App) *cobra.Command {
	var (
		remote, local, hosts []string
		persist, allowLAN    bool
		name                 string
	)
	cmd := &cobra.Command{
		Use:   "engage",
		Short: "Block all traffic except to the given servers and the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			remoteMasks, err := killswitch.ParseAddressMasks(remote)
			if err != nil {
				return err
			}
			localMasks, err := killswitch.ParseAddressMasks(local)
			if err != nil {
				return err
			}
			if allowLAN {
				lan, err := killswitch.LocalNetworks()
				if err != nil {
					return fmt.Errorf("discover LAN: %w", err)
				}
				localMasks = append(localMasks, lan...)
			}
			pins, err := parseHostPins(hosts)
			if err != nil {
				return err
			}

			ks, err := a.killswitch()
			if err != nil {
				return err
			}
			if err := ks.Engage(pins, remoteMasks, localMasks, persist, name); err != nil {
				return describeFailure(err)
			}
			fmt.Fprintf(a.out, "✓ Killswitch engaged (%d remote, %d local)\n", len(remoteMasks), len(localMasks))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&remote, "remote", nil, "permitted server addresses or networks")
	f.StringSliceVar(&local, "local", nil, "permitted local networks")
	f.StringSliceVar(&hosts, "pin", nil, "hosts file pins as NAME=IP")
	f.BoolVar(&allowLAN, "allow-lan", false, "also permit the networks of the default route links")
	f.BoolVar(&persist, "persist", false, "remember the lockdown for 'killswitch restore'")
	f.StringVar(&name, "name", "vpnctl", "display name recorded with the rules")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}

func parseHostPins(list []string) ([]killswitch.HostEntry, error) {
	out := make([]killswitch.HostEntry, 0, len(list))
	for _, s := range list {
		host, ip, ok := strings.Cut(s, "=")
		if !ok || host == "" || ip == "" {
			return nil, fmt.Errorf("invalid pin %q, want NAME=IP", s)
		}
		if _, err := killswitch.ParseAddressMask(ip); err != nil {
			return nil, err
		}
		out = append(out, killswitch.HostEntry{Hostname: host, IP: ip})
	}
	return out, nil
}
