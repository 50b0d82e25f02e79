// Package buildchild is the in-namespace half of a build: once
// internal/pkg/spawn has cloned and uid-mapped a child and exec'd rootbox
// back into itself, Main runs buildengine against the container's setup
// list inside that namespace. This is the second leg of the reexec chain
// coordinator.runBuilder sets up: spawn's own hidden arg gets the process
// into the right namespaces, this package's hidden arg does the actual
// build work once there.
package buildchild

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rootbox/rootbox/internal/pkg/buildengine"
	"github.com/rootbox/rootbox/internal/pkg/nsutil"
)

// ReexecArg is the hidden argv[1] cmd/rootbox recognizes to dispatch into
// Main instead of cobra.
const ReexecArg = "__rootbox_build_child__"

// PayloadEnvVar carries the JSON-encoded Request.
const PayloadEnvVar = "ROOTBOX_BUILD_PAYLOAD"

// Request is the build child's full instruction set.
type Request struct {
	TmpRoot  string                   `json:"tmp_root"`  // e.g. .rootbox/.roots/.tmp.<name>
	CacheDir string                   `json:"cache_dir"` // e.g. .rootbox/.cache
	Setup    []buildengine.WireStep `json:"setup"`
}

// Main decodes its Request from the environment, builds a Context rooted
// at TmpRoot/root, runs the engine for real (doExecute=true), and exits
// 0/121 accordingly. Invoked directly by cmd/rootbox's main() before cobra
// parses anything, mirroring spawn.ChildMain's early-argv-sniff dispatch.
func Main() {
	var req Request
	if err := json.Unmarshal([]byte(os.Getenv(PayloadEnvVar)), &req); err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: malformed build payload: %v\n", err)
		os.Exit(121)
	}

	if err := nsutil.MakeRootPrivate(); err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: %v\n", err)
		os.Exit(121)
	}

	steps, err := buildengine.FromWire(req.Setup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: decoding setup steps: %v\n", err)
		os.Exit(121)
	}

	rootPath := req.TmpRoot + "/root"
	ctx := buildengine.NewContext(rootPath, req.CacheDir)
	engine := buildengine.New(ctx)

	if err := engine.Run(steps, true); err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: build failed: %v\n", err)
		os.Exit(121)
	}
	os.Exit(0)
}

// IsBuildChildReexec reports whether argv requests this hidden entrypoint.
func IsBuildChildReexec(argv []string) bool {
	return len(argv) > 1 && argv[1] == ReexecArg
}
