// Package runner implements `_run` (spec §4.8, component C10): resolving a
// built container's committed root, preparing the run-time filesystem
// (mounted rootfs, system dirs, the project tree bound at /work), pivoting
// into it, and executing the user's command or a supervised group of named
// children. Grounded on the teacher's
// internal/pkg/runtime/engine/apptainer/container_linux.go mount-ordering
// shape (addRootfsMount/addKernelMount/addResolvConfMount), drastically
// simplified to a plain bind-mount model — no overlay/underlay, no image
// driver, no GPU injection, none of which are in scope here — and on
// original_source's run.rs for the fixed mount sequence and literal PATH.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	pkgerrors "github.com/pkg/errors"

	"github.com/rootbox/rootbox/internal/app/runnerchild"
	"github.com/rootbox/rootbox/internal/pkg/config"
	"github.com/rootbox/rootbox/internal/pkg/coordinator"
	"github.com/rootbox/rootbox/internal/pkg/idalloc"
	"github.com/rootbox/rootbox/internal/pkg/nsutil"
	"github.com/rootbox/rootbox/internal/pkg/spawn"
	"github.com/rootbox/rootbox/internal/pkg/sylog"
)

// defaultPath is the fixed PATH a run's environment is seeded with,
// matching runnerchild's own search path so argv[0] resolution and the
// child's $PATH agree.
const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ProjectRoot is re-exported from coordinator so callers (cmd/rootbox)
// construct exactly one project handle and share it between Build and Run.
type ProjectRoot = coordinator.ProjectRoot

// Runner runs containers from a parsed recipe against a project root.
type Runner struct {
	Project ProjectRoot
	Recipe  *config.Recipe
}

// New returns a Runner for recipe rooted at project.
func New(project ProjectRoot, recipe *config.Recipe) *Runner {
	return &Runner{Project: project, Recipe: recipe}
}

// Run executes argv inside container, pivoting into a fresh mount/ipc/pid/
// user namespace the invoking user is root within (spec §4.8's run
// operation). It blocks until the child exits and returns its exit code.
func (r *Runner) Run(name string, argv []string) (int, error) {
	container, ok := r.Recipe.Containers[name]
	if !ok {
		return 0, fmt.Errorf("no such container %q", name)
	}
	root, err := r.Project.ResolveContainerRoot(name)
	if err != nil {
		return 0, err
	}

	command := argv
	if len(command) == 0 {
		command = container.DefaultCommand
	}
	if len(command) == 0 {
		return 0, fmt.Errorf("container %q has no default_command and no command was given", name)
	}

	handle, err := r.spawnChild(name, root, command, container.Environ)
	if err != nil {
		return 0, err
	}
	return waitExitCode(handle)
}

// spawnChild builds the run child request and hands it to spawn.Spawn,
// mirroring coordinator.runBuilder's two-stage reexec shape: spawn's own
// hidden arg clones the process into the namespace set, runnerchild's
// hidden arg does the mount/pivot/exec work once there.
func (r *Runner) spawnChild(tag, root string, argv []string, environ map[string]string) (*spawn.Handle, error) {
	mountDir := r.Project.MountDir(tag)
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "creating mount point %s", mountDir)
	}

	req := runnerchild.Request{
		CommittedRoot: root,
		MountDir:      mountDir,
		WorkDir:       r.Project.Work,
		Argv:          argv,
		Environ:       mergedEnviron(environ),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "encoding run child request")
	}

	spawnReq := &spawn.Request{
		Path: "/proc/self/exe",
		Args: []string{"/proc/self/exe", runnerchild.ReexecArg},
		Env:  append(os.Environ(), runnerchild.PayloadEnvVar+"="+string(payload), sylog.GetEnvVar()),
		Namespaces: []nsutil.Namespace{
			nsutil.NamespaceMount, nsutil.NamespaceIPC, nsutil.NamespacePID, nsutil.NamespaceUser,
		},
		Uidmap: identityUidmap(),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	handle, err := spawn.Spawn(spawnReq)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to spawn run child")
	}
	return handle, nil
}

// mergedEnviron layers a container's recipe-level environ over TERM/HOME/
// PATH defaults and the invoking user's PATH passthrough as HOST_PATH,
// matching original_source's run.rs _common() helper.
func mergedEnviron(containerEnviron map[string]string) map[string]string {
	out := map[string]string{
		"TERM": envOr("TERM", "dumb"),
		"HOME": "/work",
		"PATH": defaultPath,
	}
	if hostPath := os.Getenv("PATH"); hostPath != "" {
		out["HOST_PATH"] = hostPath
	}
	for k, v := range containerEnviron {
		out[k] = v
	}
	return out
}

// identityUidmap maps the invoking user to uid/gid 0 inside the run
// child's new user namespace and nothing else, just enough privilege to
// mount and pivot_root without a privileged daemon (spec §4.8; grounded on
// original_source's run.rs literal "0 1000 1" uid_map write, one mapping
// rather than the builder's full subuid-derived range since running a
// command needs no extra uids).
func identityUidmap() *idalloc.Uidmap {
	return &idalloc.Uidmap{
		UID: []idalloc.Entry{{Inside: 0, Outside: uint32(os.Getuid()), Length: 1}},
		GID: []idalloc.Entry{{Inside: 0, Outside: uint32(os.Getgid()), Length: 1}},
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// waitExitCode turns a spawn.Handle's Wait error into a plain exit code,
// the way a shell-equivalent wrapper would: a non-zero exit is not itself
// an error worth reporting up, only a genuine failure to run the child is.
func waitExitCode(handle *spawn.Handle) (int, error) {
	err := handle.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
