package buildengine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/pkg/errors"

	"github.com/rootbox/rootbox/internal/pkg/fsutil"
	"github.com/rootbox/rootbox/internal/pkg/nsutil"
)

// Engine runs a container's setup list against a Context, inside the
// builder process (already namespaced and uid-mapped by the coordinator).
// Grounded on internal/pkg/build/build.go's Full(): a linear walk over
// stage-ordered work with a deferred finish step.
type Engine struct {
	ctx *Context
}

// New returns an Engine operating against ctx.
func New(ctx *Context) *Engine {
	return &Engine{ctx: ctx}
}

// Run executes every step in order (configure effects always, side
// effects only when doExecute), then applies Finish.
func (e *Engine) Run(steps []Step, doExecute bool) error {
	for i, step := range steps {
		if err := step.Execute(e.ctx, doExecute); err != nil {
			return fmt.Errorf("setup[%d] (%s): %w", i, step.String(), err)
		}
		if doExecute {
			e.ctx.Log(step)
		}
	}
	if doExecute {
		return e.Finish()
	}
	return nil
}

// Finish applies, in order, spec §4.6's closing sequence: unmount caches
// (reverse registration order) -> remove remove_dirs entirely -> empty
// empty_dirs -> mkdir ensure_dirs (mode 0755) -> distro finish (run the
// distro's installed-package listing command; see finishCommand).
func (e *Engine) Finish() error {
	for _, containerPath := range e.ctx.CacheDirsInUnmountOrder() {
		if err := nsutil.Unmount(containerRoot(e.ctx, containerPath)); err != nil {
			return fmt.Errorf("failed to unmount cache dir %s: %w", containerPath, err)
		}
	}

	for _, p := range sortedSet(e.ctx.RemoveDirs) {
		if err := fsutil.RemoveAll(containerRoot(e.ctx, p)); err != nil {
			return err
		}
	}
	for _, p := range sortedSet(e.ctx.EmptyDirs) {
		if err := cleanContainerDir(e.ctx, p); err != nil {
			return err
		}
	}
	for _, p := range sortedSet(e.ctx.EnsureDirs) {
		if err := ensureContainerDir(e.ctx, p); err != nil {
			return err
		}
	}

	if argv := e.ctx.Distro.finishCommand(); argv != nil {
		if err := runInRoot(e.ctx, argv, nil); err != nil {
			return fmt.Errorf("distro finish failed: %w", err)
		}
	}
	return nil
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containerRoot(ctx *Context, containerPath string) string {
	joined, err := fsutil.JoinRooted(ctx.RootPath, containerPath)
	if err != nil {
		// Step validation should have already rejected an escaping path;
		// fall back to a plain join so callers still get a sensible error
		// from the filesystem call that follows instead of a panic here.
		return filepath.Join(ctx.RootPath, containerPath)
	}
	return joined
}

func ensureContainerDir(ctx *Context, containerPath string) error {
	return fsutil.EnsureDir(containerRoot(ctx, containerPath))
}

func cleanContainerDir(ctx *Context, containerPath string) error {
	return fsutil.CleanDir(containerRoot(ctx, containerPath))
}

func writeFileInRoot(ctx *Context, containerPath, body string, mode os.FileMode) error {
	full := containerRoot(ctx, containerPath)
	if err := fsutil.EnsureDir(filepath.Dir(full)); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(body), mode)
}

func appendFileInRoot(ctx *Context, containerPath, text string) error {
	full := containerRoot(ctx, containerPath)
	if err := fsutil.EnsureDir(filepath.Dir(full)); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

func bindCacheDir(ctx *Context, name, containerPath string) error {
	cacheDir := ctx.CachePath + "/" + name
	dest := containerRoot(ctx, containerPath)
	if err := fsutil.EnsureDir(dest); err != nil {
		return err
	}
	if err := fsutil.CleanDir(dest); err != nil {
		return err
	}
	return nsutil.BindMount(cacheDir, dest, false, false)
}

// runInRoot execs argv chrooted into the build root, with ctx.Environ (plus
// extraEnv overrides) as its environment. The working directory is the
// rootfs's "/" unless extraEnv sets PWD, in which case it is that
// directory inside the rootfs. Using exec.Cmd's SysProcAttr.Chroot
// keeps the chroot scoped to the child process rather than rootbox itself,
// the idiomatic Go equivalent of the teacher's RPC-mediated mount/chroot
// dance in container_linux.go, simplified since rootbox's builder already
// owns its own mount namespace.
func runInRoot(ctx *Context, argv []string, extraEnv map[string]string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = "/"
	if pwd := extraEnv["PWD"]; pwd != "" {
		// applied after the chroot, so pwd is a path inside the rootfs
		cmd.Dir = filepath.Join("/", pwd)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: ctx.RootPath}
	cmd.Env = envSlice(ctx.Environ, extraEnv)
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "command %v failed", argv)
	}
	return nil
}

func envSlice(base, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func bootstrapUbuntu(ctx *Context, codename string) error {
	argv := ctx.Distro.bootstrapCommand()
	if argv == nil {
		return nil
	}
	return runInRoot(ctx, argv, nil)
}

func bootstrapAlpine(ctx *Context, version string) error {
	argv := ctx.Distro.bootstrapCommand()
	if argv == nil {
		return nil
	}
	return runInRoot(ctx, argv, nil)
}
