package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yllada/vpnctl/vpn"
)

func addSessionFlags(cmd *cobra.Command, opts *sessionOptions) {
	cmd.Flags().BoolVar(&opts.savePassword, "save-password", false, "remember a prompted password in the keyring")
	cmd.Flags().BoolVar(&opts.noKillswitch, "no-killswitch", false, "do not engage the killswitch for this connection")
}

func newConnectCommand(a *App) *cobra.Command {
	var (
		opts     sessionOptions
		typeName string
	)
	cmd := &cobra.Command{
		Use:   "connect PROFILE",
		Short: "Connect with one connection type and stay connected until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.profiles.Find(args[0])
			if err != nil {
				return err
			}

			t := vpn.TypeOpenVPN
			if typeName != "" {
				if t, err = vpn.ParseConnectionType(typeName); err != nil {
					return err
				}
			} else if types, _ := p.Types(); len(types) > 0 {
				t = types[0]
			}

			s, err := a.newSession(p, opts)
			if err != nil {
				return err
			}
			return s.run(cmd.Context(), func(ctx context.Context) error {
				return s.ctl.Connect(ctx, p.Request(t))
			})
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "connection type (openvpn, ikev2, l2tp, sstp, cisco, pptp)")
	addSessionFlags(cmd, &opts)
	return cmd
}

func newAutoDialCommand(a *App) *cobra.Command {
	var opts sessionOptions
	cmd := &cobra.Command{
		Use:   "autodial PROFILE",
		Short: "Try each allowed connection type in order until one connects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.profiles.Find(args[0])
			if err != nil {
				return err
			}
			want, err := p.Types()
			if err != nil {
				return err
			}
			if len(want) == 0 {
				want = a.cfg.AutoDialTypes()
			}

			s, err := a.newSession(p, opts)
			if err != nil {
				return err
			}
			types := s.supportedTypes(want)
			if len(types) == 0 {
				s.close()
				return fmt.Errorf("none of %v can be dialed on this system", want)
			}

			dialer := vpn.NewAutoDialer(s.ctl, types, a.metrics)
			dialer.OnDialStepFailed(func(req vpn.Request, err error) {
				fmt.Fprintf(a.out, "  %s failed: %v\n", req.Type, err)
			})
			return s.run(cmd.Context(), func(ctx context.Context) error {
				return dialer.AutoDial(ctx, p.Request(types[0]))
			})
		},
	}
	addSessionFlags(cmd, &opts)
	return cmd
}
