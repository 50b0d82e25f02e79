// Package runnerchild is the in-namespace half of `_run`: once
// internal/pkg/spawn has cloned and uid-mapped a child into its own mount/
// ipc/pid/user namespace set, Main prepares the run-time filesystem and
// execs the user's command there (spec §4.8, component C10). Mirrors
// internal/app/buildchild's shape: spawn's hidden arg gets the process into
// the right namespaces, this package's hidden arg does the actual
// mount/pivot/exec work once there.
package runnerchild

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rootbox/rootbox/internal/pkg/nsutil"
)

// ReexecArg is the hidden argv[1] cmd/rootbox recognizes to dispatch into
// Main instead of cobra.
const ReexecArg = "__rootbox_run_child__"

// PayloadEnvVar carries the JSON-encoded Request.
const PayloadEnvVar = "ROOTBOX_RUN_PAYLOAD"

// defaultPath is the fixed PATH searched to resolve a non-absolute argv[0]
// (spec §4.8 step 7), matching original_source's run.rs literal
// "PATH=/bin:/usr/bin:/usr/local/bin" extended with the sbin counterparts
// the rest of the pack's container runtimes also search.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Request is the run child's full instruction set.
type Request struct {
	CommittedRoot string            `json:"committed_root"` // .rootbox/.roots/<name>.<tag>/root
	MountDir      string            `json:"mount_dir"`      // scratch mount point, e.g. .rootbox/.mnt.<child>
	WorkDir       string            `json:"work_dir"`       // project directory bound at /work
	Argv          []string          `json:"argv"`
	Environ       map[string]string `json:"environ"`
}

// Main decodes its Request from the environment, builds the run-time
// filesystem, pivots into it, and execs Argv. Invoked directly by
// cmd/rootbox's main() before cobra parses anything, mirroring
// spawn.ChildMain's and buildchild.Main's early-argv-sniff dispatch.
func Main() {
	var req Request
	if err := json.Unmarshal([]byte(os.Getenv(PayloadEnvVar)), &req); err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: malformed run payload: %v\n", err)
		os.Exit(121)
	}

	if err := prepareAndPivot(&req); err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: %v\n", err)
		os.Exit(121)
	}

	argv0 := resolveArgv0(req.Argv[0], req.Environ)
	env := envSlice(req.Environ)
	if err := syscall.Exec(argv0, req.Argv, env); err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: exec %s: %v\n", argv0, err)
		os.Exit(127)
	}
}

// prepareAndPivot implements spec §4.8 steps 2-6: mount point, rootfs bind,
// system dirs, resolv.conf/hosts, project bind, pivot.
func prepareAndPivot(req *Request) error {
	if err := nsutil.MakeRootPrivate(); err != nil {
		return err
	}

	mnt := req.MountDir
	for _, dir := range []string{"", "proc", "sys", "dev", "work", "tmp", "etc", ".oldroot"} {
		if err := os.MkdirAll(filepath.Join(mnt, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := nsutil.BindMount(req.CommittedRoot, mnt, true, true); err != nil {
		return err
	}
	if err := nsutil.MountProc(filepath.Join(mnt, "proc")); err != nil {
		return err
	}
	if err := nsutil.BindMount("/dev", filepath.Join(mnt, "dev"), true, true); err != nil {
		return err
	}
	if err := nsutil.BindMount("/sys", filepath.Join(mnt, "sys"), true, true); err != nil {
		return err
	}
	if err := bindHostFile("/etc/resolv.conf", filepath.Join(mnt, "etc", "resolv.conf")); err != nil {
		return err
	}
	if err := bindHostFile("/etc/hosts", filepath.Join(mnt, "etc", "hosts")); err != nil {
		return err
	}
	if err := nsutil.BindMount(req.WorkDir, filepath.Join(mnt, "work"), true, false); err != nil {
		return err
	}
	if err := nsutil.MountTmpfs(filepath.Join(mnt, "tmp"), 0); err != nil {
		return err
	}

	return nsutil.PivotRoot(mnt, ".oldroot")
}

// bindHostFile bind-mounts the host's src onto dest, creating dest as an
// empty regular file first since a bind mount's target must already exist.
func bindHostFile(src, dest string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating bind target %s: %w", dest, err)
	}
	f.Close()
	return nsutil.BindMount(src, dest, false, false)
}

// resolveArgv0 searches environ's PATH (or defaultPath) for a non-absolute
// command name, per spec §4.8 step 7.
func resolveArgv0(name string, environ map[string]string) string {
	if strings.Contains(name, "/") {
		return name
	}
	path := environ["PATH"]
	if path == "" {
		path = defaultPath
	}
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return name
}

func envSlice(environ map[string]string) []string {
	out := make([]string, 0, len(environ))
	for k, v := range environ {
		out = append(out, k+"="+v)
	}
	return out
}

// IsRunChildReexec reports whether argv requests this hidden entrypoint.
func IsRunChildReexec(argv []string) bool {
	return len(argv) > 1 && argv[1] == ReexecArg
}
