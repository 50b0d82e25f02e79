// Package spawn launches the builder and runner children (spec §4.2,
// component C4): a process is cloned into the requested namespace set, then
// held at a sync pipe while the parent writes its uid/gid map, since only a
// process outside the new user namespace can do that. Grounded on the
// teacher's internal/pkg/fakeroot/fakefake.go (UnshareRootMapped's
// SysProcAttr/Cloneflags shape), generalized from its fixed 1:1 mapping to
// the spec's full sync-pipe handshake and arbitrary namespace set.
package spawn

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"

	"github.com/rootbox/rootbox/internal/pkg/idalloc"
	"github.com/rootbox/rootbox/internal/pkg/nsutil"
)

// childReexecArg is the hidden argv[1] rootbox recognizes to short-circuit
// into ChildMain before cobra ever sees the command line, mirroring how
// runc/Docker style tools reserve an argv slot for their init reexec.
const childReexecArg = "__rootbox_spawn_child__"

// payloadEnvVar carries the JSON-encoded Request to the reexecuted child.
const payloadEnvVar = "ROOTBOX_SPAWN_PAYLOAD"

// Request describes the process Spawn should create.
type Request struct {
	Path       string
	Args       []string
	Env        []string
	Dir        string
	Namespaces []nsutil.Namespace

	// Uidmap, if non-nil, is applied to the child's /proc/<pid>/{uid,gid}_map
	// before it is released past the sync pipe.
	Uidmap *idalloc.Uidmap

	// Stdin/Stdout/Stderr are plumbed through os/exec's own fd inheritance,
	// not through the JSON payload — the reexeced child already has them as
	// fd 0/1/2 by the time ChildMain runs.
	Stdin  *os.File `json:"-"`
	Stdout *os.File `json:"-"`
	Stderr *os.File `json:"-"`
}

// Handle is a running spawned child.
type Handle struct {
	cmd *exec.Cmd
	Pid int
}

// Wait blocks until the child exits and returns its error (an
// *exec.ExitError on non-zero exit, matching os/exec's normal contract).
func (h *Handle) Wait() error {
	return h.cmd.Wait()
}

// Signal delivers sig to the child.
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// Spawn clones req.Path into the requested namespaces, applies req.Uidmap
// (if any) once the kernel has assigned a pid, then releases the child to
// exec the real target. The child process image, for the duration between
// clone and release, is rootbox itself re-executed with the hidden
// childReexecArg; see ChildMain.
func Spawn(req *Request) (*Handle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve rootbox's own executable path")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal spawn payload")
	}

	syncRead, syncWrite, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sync pipe")
	}
	defer syncRead.Close()

	cmd := exec.Command(self, childReexecArg)
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.Env = append(os.Environ(), payloadEnvVar+"="+string(payload))
	cmd.ExtraFiles = []*os.File{syncRead}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: uintptr(nsutil.CloneFlags(req.Namespaces)),
	}

	if err := cmd.Start(); err != nil {
		syncWrite.Close()
		return nil, errors.Wrap(err, "failed to start spawned child")
	}

	pid := cmd.Process.Pid

	if req.Uidmap != nil {
		if err := idalloc.ApplyUidmap(pid, req.Uidmap); err != nil {
			syncWrite.Close()
			_ = cmd.Process.Kill()
			return nil, errors.Wrapf(err, "failed to apply uid map to pid %d", pid)
		}
	}

	// Closing the write end (rather than writing a byte) lets the child's
	// blocking read return on EOF even if Spawn itself is killed mid-way.
	if err := syncWrite.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to release sync pipe")
	}

	return &Handle{cmd: cmd, Pid: pid}, nil
}

// ChildMain is invoked by cmd/rootbox's main() when argv[1] ==
// childReexecArg, before cobra parses anything. It blocks on the inherited
// sync pipe (fd 3), decodes its Request from the environment, and execs the
// real target in place.
func ChildMain() {
	var req Request
	if err := json.Unmarshal([]byte(os.Getenv(payloadEnvVar)), &req); err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: malformed spawn payload: %v\n", err)
		os.Exit(121)
	}

	syncFd := os.NewFile(3, "sync-pipe")
	buf := make([]byte, 1)
	// A read of 0 bytes (EOF, once the parent closes its end) or an error
	// both mean "proceed"; only a genuine hang blocks us here.
	_, _ = syncFd.Read(buf)
	syncFd.Close()

	if req.Dir != "" {
		if err := os.Chdir(req.Dir); err != nil {
			fmt.Fprintf(os.Stderr, "rootbox: chdir %s: %v\n", req.Dir, err)
			os.Exit(121)
		}
	}

	if err := syscall.Exec(req.Path, req.Args, req.Env); err != nil {
		fmt.Fprintf(os.Stderr, "rootbox: exec %s: %v\n", req.Path, err)
		os.Exit(127)
	}
}

// IsChildReexec reports whether argv requests the hidden child entrypoint,
// used by cmd/rootbox's main() to dispatch before cobra sees anything.
func IsChildReexec(argv []string) bool {
	return len(argv) > 1 && argv[1] == childReexecArg
}
