package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rootbox/rootbox/internal/pkg/config"
	"github.com/rootbox/rootbox/internal/pkg/rberrors"
	"github.com/rootbox/rootbox/internal/pkg/sylog"
)

// recipePath and these global flags are deliberately plain package
// variables rather than threaded through a context: cobra's RunE
// closures are the only readers, and the teacher's own apptainer command
// keeps its top-level flags (debug, verbose, quiet) the same way.
var (
	recipePath string
	debug      bool
	verbose    bool
	quiet      bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rootbox",
		Short:         "Build and run unprivileged, reproducible Linux containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&recipePath, "config", "rootbox.yaml", "path to the recipe file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all but error output")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		applyLogLevel()
	}

	root.AddCommand(
		newBuildCmd(),
		newVersionCmd(),
		newRunCmd(),
		newCleanCmd(),
		newCreateNetnsCmd(),
	)
	return root
}

// applyLogLevel maps the three verbosity flags onto sylog's single level
// knob, most specific flag wins, matching the teacher's apptainer command
// resolving the same kind of mutually exclusive verbosity flags.
func applyLogLevel() {
	switch {
	case debug:
		sylog.SetLevel(int(sylog.DebugLevel), true)
	case verbose:
		sylog.SetLevel(int(sylog.VerboseLevel), true)
	case quiet:
		sylog.SetLevel(int(sylog.ErrorLevel), true)
	}
}

// loadRecipe reads and validates the recipe named by --config, wrapping a
// read/parse failure as a KindConfig error so Execute's exit-code mapping
// resolves it to 126 (spec §6: "config not found").
func loadRecipe() (*config.Recipe, error) {
	recipe, err := config.Load(recipePath)
	if err != nil {
		return nil, rberrors.New(rberrors.KindConfig, recipePath, err)
	}
	return recipe, nil
}

// projectWorkDir is the project root every on-disk operation is relative
// to: rootbox always runs against the current directory's .rootbox tree,
// same as original_source resolving the project root from cwd.
func projectWorkDir() (string, error) {
	return os.Getwd()
}

// Execute builds the command tree and runs it, mapping any returned error
// to one of the fixed spec exit codes before the process exits. This is
// the one place os.Exit is called for the non-reexec path.
func Execute() {
	root := newRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: %v\n", err)
	}
	os.Exit(rberrors.ExitCode(err))
}
