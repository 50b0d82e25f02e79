// Command rootbox is the single binary that implements every rootbox
// entrypoint: the cobra-based user-facing subcommands, and the four
// hidden reexec bodies each package under internal/app/ defines for its
// own half of a two-stage clone+exec. main sniffs argv before cobra gets
// anywhere near it, mirroring the teacher's starter binary being a
// distinct entrypoint from the main apptainer command, except here all
// four stages live in one binary rather than separate ones since none of
// them need a setuid wrapper.
package main

import (
	"os"

	"github.com/rootbox/rootbox/internal/app/buildchild"
	"github.com/rootbox/rootbox/internal/app/netns"
	"github.com/rootbox/rootbox/internal/app/runnerchild"
	"github.com/rootbox/rootbox/internal/pkg/spawn"
)

func main() {
	switch {
	case spawn.IsChildReexec(os.Args):
		spawn.ChildMain()
	case buildchild.IsBuildChildReexec(os.Args):
		buildchild.Main()
	case runnerchild.IsRunChildReexec(os.Args):
		runnerchild.Main()
	case netns.IsHolderReexec(os.Args):
		netns.HolderMain()
	default:
		Execute()
	}
}
