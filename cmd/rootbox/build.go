package main

import (
	"github.com/spf13/cobra"

	"github.com/rootbox/rootbox/internal/pkg/coordinator"
	"github.com/rootbox/rootbox/internal/pkg/rberrors"
	"github.com/rootbox/rootbox/internal/pkg/sylog"
)

func newBuildCmd() *cobra.Command {
	var force, noImageDownload, noCleanUp bool

	cmd := &cobra.Command{
		Use:   "_build <name>",
		Short: "Build a container if it isn't already up to date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipe, err := loadRecipe()
			if err != nil {
				return err
			}
			if !recipe.HasContainer(args[0]) {
				return rberrors.New(rberrors.KindConfig, "no such container "+args[0], nil)
			}

			work, err := projectWorkDir()
			if err != nil {
				return rberrors.New(rberrors.KindPreflight, "resolving project directory", err)
			}

			coord := coordinator.New(work, recipe, coordinator.Options{
				Force:           force,
				NoCleanUp:       noCleanUp,
				NoImageDownload: noImageDownload,
			})
			result, err := coord.Build(args[0])
			if err != nil {
				return err
			}
			sylog.Infof("%s: built %s (%s)", args[0], result.Tag, result.Digest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rebuild even if a matching version is already committed")
	cmd.Flags().BoolVar(&noImageDownload, "no-image-download", false, "accepted but has no effect: no distro base image is ever downloaded")
	cmd.Flags().BoolVar(&noCleanUp, "no-clean-up", false, "keep the tmp root around after a failed build")
	return cmd
}
