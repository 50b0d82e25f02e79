package main

import (
	"github.com/spf13/cobra"

	"github.com/rootbox/rootbox/internal/app/netns"
	"github.com/rootbox/rootbox/internal/pkg/rberrors"
)

func newCreateNetnsCmd() *cobra.Command {
	var dryRun, noIPTables bool

	cmd := &cobra.Command{
		Use:   "_create_netns",
		Short: "Set up a bridge, veth pair, and persistent netns for container networking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := netns.Create(netns.Options{DryRun: dryRun, NoIPTables: noIPTables}); err != nil {
				return rberrors.New(rberrors.KindPreflight, "_create_netns", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the commands that would be run without running them")
	cmd.Flags().BoolVar(&noIPTables, "no-iptables", false, "skip the iptables MASQUERADE rule check")
	return cmd
}
