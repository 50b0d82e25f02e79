package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rootbox/rootbox/internal/pkg/buildengine"
	"github.com/rootbox/rootbox/internal/pkg/rberrors"
	"github.com/rootbox/rootbox/internal/pkg/version"
)

func newVersionCmd() *cobra.Command {
	var short, fd3 bool

	cmd := &cobra.Command{
		Use:   "__version__ <name>",
		Short: "Print a container's pre-build hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipe, err := loadRecipe()
			if err != nil {
				return err
			}
			container, ok := recipe.Containers[args[0]]
			if !ok {
				return rberrors.New(rberrors.KindConfig, "no such container "+args[0], nil)
			}

			result, err := version.Walk(toVersionSteps(container.Setup), true)
			if err != nil {
				return rberrors.New(rberrors.KindPreflight, "versioning "+args[0], err)
			}
			if result.Outcome == version.New {
				// spec §6: exit 29 signals "version unknown before a real
				// build", not a command failure, so bypass Execute's
				// error-to-exit-code mapping entirely.
				os.Exit(rberrors.ExitVersionUnknown)
			}

			out := result.Digest
			if short {
				out = result.Tag
			}
			if fd3 {
				fd3File := os.NewFile(3, "fd3")
				if fd3File == nil {
					return rberrors.New(rberrors.KindPreflight, "fd 3 not inherited", nil)
				}
				_, err = fmt.Fprintln(fd3File, out)
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print the 8-char tag instead of the full digest")
	cmd.Flags().BoolVar(&fd3, "fd3", false, "write the hash to inherited fd 3 instead of stdout")
	return cmd
}

// toVersionSteps adapts a []buildengine.Step to []version.Step, the same
// conversion coordinator.hashSteps does internally; cmd/rootbox needs its
// own copy since __version__ walks steps directly without going through
// a Coordinator.
func toVersionSteps(steps []buildengine.Step) []version.Step {
	out := make([]version.Step, len(steps))
	for i, s := range steps {
		out[i] = s
	}
	return out
}
