// Package coordinator drives one container build end to end (spec §4.7,
// component C9): pre-version, lock, prepare a tmp root, fork the builder
// under a mapped user namespace, post-version, commit, and repoint the
// container's symlink. Grounded on the teacher's internal/pkg/build/build.go
// (newBuild/Full/cleanUp: bundle-directory creation, signal-triggered
// cleanup, the NoCleanUp escape hatch), adapted from "one bundle dir per
// OCI stage" to "one tmp root per container version".
package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/rootbox/rootbox/internal/app/buildchild"
	"github.com/rootbox/rootbox/internal/pkg/buildengine"
	"github.com/rootbox/rootbox/internal/pkg/config"
	"github.com/rootbox/rootbox/internal/pkg/fsutil"
	"github.com/rootbox/rootbox/internal/pkg/idalloc"
	"github.com/rootbox/rootbox/internal/pkg/nsutil"
	"github.com/rootbox/rootbox/internal/pkg/rberrors"
	"github.com/rootbox/rootbox/internal/pkg/spawn"
	"github.com/rootbox/rootbox/internal/pkg/sylog"
	"github.com/rootbox/rootbox/internal/pkg/version"
)

// ProjectRoot is the on-disk layout rooted at a project's .rootbox/
// directory (spec §3's on-disk layout, directory renamed from the
// original's .vagga/ to rootbox's own name).
type ProjectRoot struct {
	Work string // the project directory containing .rootbox/
}

func (p ProjectRoot) rootboxDir() string     { return filepath.Join(p.Work, ".rootbox") }
func (p ProjectRoot) rootsDir() string       { return filepath.Join(p.rootboxDir(), ".roots") }
func (p ProjectRoot) cacheDir() string       { return filepath.Join(p.rootboxDir(), ".cache") }
func (p ProjectRoot) artifactsDir() string   { return filepath.Join(p.rootboxDir(), ".artifacts") }
func (p ProjectRoot) symlink(name string) string {
	return filepath.Join(p.rootboxDir(), name)
}
func (p ProjectRoot) tmpRoot(name string) string {
	return filepath.Join(p.rootsDir(), ".tmp."+name)
}
func (p ProjectRoot) lockPath(name string) string {
	return filepath.Join(p.rootsDir(), ".tmp."+name+".lock")
}
func (p ProjectRoot) committedRoot(name, tag string) string {
	return filepath.Join(p.rootsDir(), name+"."+tag)
}

// MountDir is the runner's scratch mount point for one running container
// instance (spec §4.8 step 2's "/vagga/root" equivalent), keyed by tag
// (the container name for a simple run, or "<command>.<child>" for one
// member of a supervise group) so concurrently running instances of the
// same container don't collide.
func (p ProjectRoot) MountDir(tag string) string {
	return filepath.Join(p.rootboxDir(), ".mnt."+tag)
}

// ResolveContainerRoot follows the .rootbox/<name> symlink to the
// committed root directory currently built for name, returning the error
// the runner should surface as "container not built" if it is missing or
// dangling.
func (p ProjectRoot) ResolveContainerRoot(name string) (string, error) {
	link := p.symlink(name)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("container %q is not built (no .rootbox/%s symlink): %w", name, name, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(p.rootboxDir(), target)
	}
	if fsutil.FileMissing(target) {
		return "", fmt.Errorf("container %q's root %s is missing", name, target)
	}
	return target, nil
}

// Options configures one Build invocation.
type Options struct {
	Force            bool
	NoCleanUp        bool
	NoImageDownload  bool
}

// Coordinator builds containers from a parsed recipe against a project
// root.
type Coordinator struct {
	Project ProjectRoot
	Recipe  *config.Recipe
	Opts    Options
}

// New returns a Coordinator for recipe rooted at work.
func New(work string, recipe *config.Recipe, opts Options) *Coordinator {
	return &Coordinator{Project: ProjectRoot{Work: work}, Recipe: recipe, Opts: opts}
}

// BuildResult is what a successful (or version-known) Build call returns.
type BuildResult struct {
	Tag          string
	Digest       string
	AlreadyBuilt bool
}

// Build runs the full state machine for container name, per spec §4.7's
// diagram: PreVersion -> (maybe short-circuit) -> Lock -> PrepareTmpRoot ->
// Fork builder -> PostVersion -> Commit -> Symlink. Nothing is mounted
// around the tmp root, so there is no unmount step.
func (c *Coordinator) Build(name string) (*BuildResult, error) {
	container, ok := c.Recipe.Containers[name]
	if !ok {
		return nil, rberrors.New(rberrors.KindConfig, fmt.Sprintf("no such container %q", name), nil)
	}

	if !c.Opts.Force {
		if res, ok, err := c.tryShortCircuit(name, container); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
	}

	lockFd, err := fsutil.ExclusiveWait(c.Project.lockPath(name), "build "+name)
	if err != nil {
		return nil, rberrors.New(rberrors.KindBuild, "acquiring build lock", err)
	}
	defer fsutil.Release(lockFd)

	// Re-check under the lock: another process may have just finished
	// building this exact container while we were waiting.
	if !c.Opts.Force {
		if res, ok, err := c.tryShortCircuit(name, container); err != nil {
			return nil, err
		} else if ok {
			return res, nil
		}
	}

	tmpRoot := c.Project.tmpRoot(name)
	if err := c.prepareTmpRoot(tmpRoot); err != nil {
		return nil, rberrors.New(rberrors.KindBuild, "preparing tmp root", err)
	}
	defer func() {
		if !c.Opts.NoCleanUp {
			c.teardownTmpRoot(tmpRoot)
		}
	}()

	alloc, err := idalloc.GetMaxUidmap()
	if err != nil {
		return nil, rberrors.New(rberrors.KindPreflight, "resolving uid/gid map", err)
	}
	uidmap, err := idalloc.MapUsers(alloc, container.UIDs, container.GIDs)
	if err != nil {
		return nil, rberrors.New(rberrors.KindPreflight, "mapping uids/gids", err)
	}

	if err := c.runBuilder(tmpRoot, container, uidmap); err != nil {
		return nil, rberrors.New(rberrors.KindBuild, "running build", err)
	}

	rootPath := filepath.Join(tmpRoot, "root")
	result, err := version.Walk(hashSteps(container.Setup), true)
	if err != nil {
		return nil, rberrors.New(rberrors.KindBuild, "post-build versioning", err)
	}
	if result.Outcome == version.New {
		return nil, rberrors.New(rberrors.KindBuild,
			"container version still unknown after a real build", nil)
	}

	committed := c.Project.committedRoot(name, result.Tag)
	if err := c.commit(tmpRoot, committed); err != nil {
		return nil, rberrors.New(rberrors.KindCommit, "committing build", err)
	}
	_ = rootPath

	if err := c.repointSymlink(name, committed, container.AutoClean); err != nil {
		return nil, rberrors.New(rberrors.KindCommit, "repointing symlink", err)
	}

	if err := RecordProject(c.Project.Work); err != nil {
		sylog.Warningf("failed to update project registry: %v", err)
	}

	return &BuildResult{Tag: result.Tag, Digest: result.Digest}, nil
}

// tryShortCircuit implements spec §4.7's "known_hash? yes -> check rooted
// path" branch: if the pre-build hash is known and the committed root
// already exists with a matching uid map, the build is skipped entirely.
func (c *Coordinator) tryShortCircuit(name string, container *config.Container) (*BuildResult, bool, error) {
	result, err := version.Walk(hashSteps(container.Setup), true)
	if err != nil {
		return nil, false, rberrors.New(rberrors.KindBuild, "pre-build versioning", err)
	}
	if result.Outcome == version.New {
		return nil, false, nil
	}

	committed := c.Project.committedRoot(name, result.Tag)
	if fsutil.FileMissing(committed) {
		return nil, false, nil
	}

	driftOK, err := c.uidmapMatches(committed)
	if err != nil {
		return nil, false, err
	}
	if !driftOK {
		sylog.Warningf("uid/gid map drifted since %s was built; forcing rebuild", name)
		return nil, false, nil
	}

	return &BuildResult{Tag: result.Tag, Digest: result.Digest, AlreadyBuilt: true}, true, nil
}

// uidmapMatches compares the current /proc/self/{uid,gid}_map against the
// snapshot saved under committed (spec §4.7: "uid_map drift detection").
func (c *Coordinator) uidmapMatches(committed string) (bool, error) {
	snapshotPath := filepath.Join(committed, ".rootbox-uidmap")
	snapshot, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No snapshot recorded (older build or externally placed
			// root): treat as matching rather than forcing a spurious
			// rebuild every time.
			return true, nil
		}
		return false, err
	}

	current, err := os.ReadFile("/proc/self/uid_map")
	if err != nil {
		return false, err
	}
	currentGid, err := os.ReadFile("/proc/self/gid_map")
	if err != nil {
		return false, err
	}

	return string(snapshot) == string(current)+"\x00"+string(currentGid), nil
}

func (c *Coordinator) saveUidmapSnapshot(committed string) error {
	uidMap, err := os.ReadFile("/proc/self/uid_map")
	if err != nil {
		return err
	}
	gidMap, err := os.ReadFile("/proc/self/gid_map")
	if err != nil {
		return err
	}
	snapshot := string(uidMap) + "\x00" + string(gidMap)
	return os.WriteFile(filepath.Join(committed, ".rootbox-uidmap"), []byte(snapshot), 0o644)
}

// prepareTmpRoot creates a clean scratch root at tmpRoot with the standard
// directory skeleton (tmp at mode 1777) and makes sure the project cache
// dir exists (spec §4.7 "PrepareTmpRoot"). It mounts nothing: the builder
// works on the host path tmpRoot/root directly.
func (c *Coordinator) prepareTmpRoot(tmpRoot string) error {
	if !fsutil.FileMissing(tmpRoot) {
		if err := fsutil.RemoveAll(tmpRoot); err != nil {
			return err
		}
	}
	root := filepath.Join(tmpRoot, "root")
	for _, dir := range []string{"dev", "sys", "proc", "run", "tmp", "work"} {
		if err := fsutil.EnsureDir(filepath.Join(root, dir)); err != nil {
			return err
		}
	}
	if err := os.Chmod(filepath.Join(root, "tmp"), 0o1777); err != nil {
		return err
	}
	return fsutil.EnsureDir(c.Project.cacheDir())
}

// teardownTmpRoot removes a finished (committed or abandoned) tmp root.
func (c *Coordinator) teardownTmpRoot(tmpRoot string) {
	if err := fsutil.RemoveAll(tmpRoot); err != nil {
		sylog.Errorf("failed to remove tmp root %s: %v", tmpRoot, err)
	}
}

// runBuilder forks the builder under {mount, ipc, pid} plus a uid-mapped
// user namespace, and waits for it. The child re-executes rootbox itself
// (see internal/app/buildchild) to run buildengine against the recipe.
func (c *Coordinator) runBuilder(tmpRoot string, container *config.Container, uidmap *idalloc.Uidmap) error {
	payload, err := marshalBuildChildRequest(tmpRoot, c.Project.cacheDir(), container)
	if err != nil {
		return err
	}

	req := &spawn.Request{
		Path: "/proc/self/exe",
		Args: []string{"/proc/self/exe", buildchild.ReexecArg},
		Env:  append(os.Environ(), buildchild.PayloadEnvVar+"="+payload, sylog.GetEnvVar()),
		Namespaces: []nsutil.Namespace{
			nsutil.NamespaceMount, nsutil.NamespaceIPC, nsutil.NamespacePID, nsutil.NamespaceUser,
		},
		Uidmap: uidmap,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	handle, err := spawn.Spawn(req)
	if err != nil {
		return errors.Wrap(err, "failed to spawn builder")
	}
	return handle.Wait()
}

// commit atomically renames tmpRoot to committed, first preserving any
// existing directory at committed under a .old suffix (spec §4.7:
// "preserve old target under .old, then recursively remove").
func (c *Coordinator) commit(tmpRoot, committed string) error {
	if !fsutil.FileMissing(committed) {
		old := committed + ".old"
		if err := os.Rename(committed, old); err != nil {
			return err
		}
		defer fsutil.RemoveAll(old)
	}
	if err := os.Rename(tmpRoot, committed); err != nil {
		return err
	}
	return c.saveUidmapSnapshot(committed)
}

// repointSymlink atomically repoints .rootbox/<name> at committed/root,
// via a temp symlink plus rename (spec §4.7: "via temp symlink + atomic
// rename"), garbage-collecting the old target if autoClean is set and it
// pointed elsewhere.
func (c *Coordinator) repointSymlink(name, committed string, autoClean bool) error {
	link := c.Project.symlink(name)
	target := filepath.Join(committed, "root")

	var previous string
	if resolved, err := os.Readlink(link); err == nil {
		previous = resolved
	}

	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, link); err != nil {
		return err
	}

	if autoClean && previous != "" && previous != target {
		oldRoot := filepath.Dir(previous)
		moved := oldRoot + ".old"
		if err := os.Rename(oldRoot, moved); err == nil {
			fsutil.RemoveAll(moved)
		}
	}
	return nil
}

// marshalBuildChildRequest encodes the builder's instructions for transport
// across the reexec boundary: the setup list goes through buildengine's wire
// envelope, which carries the decoded Go step values (the coordinator does
// not resolve ContainerStep/SubConfig Setup or BuiltRoot before this).
func marshalBuildChildRequest(tmpRoot, cacheDir string, container *config.Container) (string, error) {
	wireSteps, err := buildengine.ToWire(container.Setup)
	if err != nil {
		return "", errors.Wrap(err, "encoding setup steps")
	}
	req := buildchild.Request{
		TmpRoot:  tmpRoot,
		CacheDir: cacheDir,
		Setup:    wireSteps,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "encoding build child request")
	}
	return string(data), nil
}

// hashSteps adapts a []buildengine.Step to []version.Step; the two
// interfaces are structurally distinct packages to avoid buildengine
// depending on version's Outcome type name colliding with its own, but the
// Hash method shape is identical.
func hashSteps(steps []buildengine.Step) []version.Step {
	out := make([]version.Step, len(steps))
	for i, s := range steps {
		out[i] = s
	}
	return out
}
