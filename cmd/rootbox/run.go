package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rootbox/rootbox/internal/pkg/coordinator"
	"github.com/rootbox/rootbox/internal/pkg/rberrors"
	"github.com/rootbox/rootbox/internal/pkg/runner"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "_run <name> [argv...]",
		Short:              "Build if necessary and run a command or container",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true, // everything after <name> belongs to the container's argv, not to rootbox
		RunE: func(cmd *cobra.Command, args []string) error {
			name, argv := args[0], args[1:]

			recipe, err := loadRecipe()
			if err != nil {
				return err
			}

			work, err := projectWorkDir()
			if err != nil {
				return rberrors.New(rberrors.KindPreflight, "resolving project directory", err)
			}
			coord := coordinator.New(work, recipe, coordinator.Options{})
			run := runner.New(coord.Project, recipe)

			// name resolves to either a `commands:` shortcut (possibly a
			// supervise group) or a bare container, matching
			// original_source's run_user_command dispatch on cmdname
			// before falling back to a plain container name.
			if cmdDef, ok := recipe.Commands[name]; ok {
				if cmdDef.IsSupervise() {
					code, err := run.Supervise(coord, name)
					if err != nil {
						return err
					}
					os.Exit(code)
				}

				container := cmdDef.Container
				if len(argv) == 0 {
					argv = cmdDef.Run
				}
				if _, err := coord.Build(container); err != nil {
					return err
				}
				code, err := run.Run(container, argv)
				if err != nil {
					return rberrors.New(rberrors.KindRuntime, "running "+name, err)
				}
				os.Exit(code)
				return nil
			}

			if !recipe.HasContainer(name) {
				return rberrors.New(rberrors.KindConfig, "no such command or container "+name, nil)
			}
			if _, err := coord.Build(name); err != nil {
				return err
			}
			code, err := run.Run(name, argv)
			if err != nil {
				return rberrors.New(rberrors.KindRuntime, "running "+name, err)
			}
			os.Exit(code)
			return nil
		},
	}
	return cmd
}
