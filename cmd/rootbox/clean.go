package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/rootbox/rootbox/internal/pkg/coordinator"
	"github.com/rootbox/rootbox/internal/pkg/rberrors"
)

var (
	errFlagRequired = errors.New("exactly one of --tmp, --old, --everything, --orphans is required")
	errFlagExclusive = errors.New("--tmp, --old, --everything, --orphans are mutually exclusive")
)

func newCleanCmd() *cobra.Command {
	var tmp, old, everything, orphans, global, dryRun bool

	cmd := &cobra.Command{
		Use:   "_clean",
		Short: "Remove abandoned, superseded, or orphaned container roots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, err := resolveSelector(tmp, old, everything, orphans)
			if err != nil {
				return rberrors.New(rberrors.KindConfig, "_clean", err)
			}

			recipe, err := loadRecipe()
			if err != nil && !global {
				// a missing or bad recipe only matters for the per-project
				// selectors; --global iterates the registry and never
				// touches the current directory's recipe at all.
				return err
			}

			work, err := projectWorkDir()
			if err != nil {
				return rberrors.New(rberrors.KindPreflight, "resolving project directory", err)
			}

			coord := coordinator.New(work, recipe, coordinator.Options{})
			if err := coord.Clean(selector, coordinator.CleanOptions{Global: global, DryRun: dryRun}); err != nil {
				return rberrors.New(rberrors.KindBuild, "_clean", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&tmp, "tmp", false, "remove abandoned .tmp roots")
	cmd.Flags().BoolVar(&old, "old", false, "remove committed roots no container symlink points at")
	cmd.Flags().BoolVar(&everything, "everything", false, "remove the whole .rootbox directory")
	cmd.Flags().BoolVar(&orphans, "orphans", false, "remove containers no longer named in the recipe")
	cmd.Flags().BoolVar(&global, "global", false, "apply across every project that has ever built here")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print what would be removed without removing it")
	return cmd
}

func resolveSelector(tmp, old, everything, orphans bool) (coordinator.CleanSelector, error) {
	count := 0
	var selector coordinator.CleanSelector
	for sel, set := range map[coordinator.CleanSelector]bool{
		coordinator.CleanTemporary:  tmp,
		coordinator.CleanOld:        old,
		coordinator.CleanEverything: everything,
		coordinator.CleanOrphans:    orphans,
	} {
		if set {
			selector = sel
			count++
		}
	}
	switch {
	case count == 0:
		return 0, errFlagRequired
	case count > 1:
		return 0, errFlagExclusive
	default:
		return selector, nil
	}
}
