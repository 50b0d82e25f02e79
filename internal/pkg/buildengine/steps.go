package buildengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rootbox/rootbox/internal/pkg/digest"
	"github.com/rootbox/rootbox/internal/pkg/version"
)

// Step is one setup-list entry (spec §4.6): build(step, context, do_execute)
// generalizes to two methods, Hash feeding the versioner and Execute doing
// the actual configure-then-maybe-side-effect work. do_execute is passed
// straight through to Execute so configure-only effects (set distro,
// register a dir) always run while side effects (install, fetch, exec) are
// skipped during a dry pre-version pass.
type Step interface {
	// Hash feeds this step's identity into w; see version.Step.
	Hash(w *digest.Writer) (version.Outcome, error)
	// Execute applies the step's configure effect always, and its side
	// effect only when doExecute is true.
	Execute(ctx *Context, doExecute bool) error
	fmt.Stringer
}

// Install adds pkgs to the desired package set and, on a real build,
// distro-installs them; it also removes pkgs from build_deps, since an
// explicitly installed package no longer needs cleanup (spec §4.6 table).
type Install struct {
	Packages []string
}

func (s *Install) String() string { return "Install " + strings.Join(s.Packages, ",") }

func (s *Install) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Sequence("Install", s.Packages)
	return version.Hashed, nil
}

func (s *Install) Execute(ctx *Context, doExecute bool) error {
	for _, p := range s.Packages {
		ctx.Packages[p] = true
		delete(ctx.BuildDeps, p)
	}
	if !doExecute {
		return nil
	}
	argv, err := ctx.Distro.installCommand(s.Packages)
	if err != nil {
		return err
	}
	return runInRoot(ctx, argv, nil)
}

// BuildDeps adds pkgs to build_deps (candidates for removal at finish time
// unless separately Installed) and installs them for the duration of the
// build.
type BuildDeps struct {
	Packages []string
}

func (s *BuildDeps) String() string { return "BuildDeps " + strings.Join(s.Packages, ",") }

func (s *BuildDeps) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Sequence("BuildDeps", s.Packages)
	return version.Hashed, nil
}

func (s *BuildDeps) Execute(ctx *Context, doExecute bool) error {
	for _, p := range s.Packages {
		if !ctx.Packages[p] {
			ctx.BuildDeps[p] = true
		}
	}
	if !doExecute {
		return nil
	}
	argv, err := ctx.Distro.installCommand(s.Packages)
	if err != nil {
		return err
	}
	return runInRoot(ctx, argv, nil)
}

// UbuntuStep selects the Ubuntu distro variant and, on a real build, runs
// `apt-get update` inside the rootfs. It does not download or unpack a
// base image: the update runs against whatever the rootfs already holds.
type UbuntuStep struct {
	Codename string
}

func (s *UbuntuStep) String() string { return "Ubuntu " + s.Codename }

func (s *UbuntuStep) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("Ubuntu", s.Codename)
	return version.New, nil // base image not yet fetched: identity unknown until built
}

func (s *UbuntuStep) Execute(ctx *Context, doExecute bool) error {
	ctx.Distro = Distro{Kind: DistroUbuntu, Version: s.Codename}
	for _, p := range []string{"ubuntu-minimal", "apt-transport-https", "ca-certificates"} {
		ctx.Packages[p] = true
	}
	if !doExecute {
		return nil
	}
	return bootstrapUbuntu(ctx, s.Codename)
}

// AlpineStep selects the Alpine distro variant and, on a real build, runs
// `apk update` inside the rootfs. It does not download or unpack a base
// image: the update runs against whatever the rootfs already holds.
type AlpineStep struct {
	Version string
}

func (s *AlpineStep) String() string { return "Alpine " + s.Version }

func (s *AlpineStep) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("Alpine", s.Version)
	return version.New, nil
}

func (s *AlpineStep) Execute(ctx *Context, doExecute bool) error {
	ctx.Distro = Distro{Kind: DistroAlpine, Version: s.Version}
	ctx.Packages["alpine-base"] = true
	if !doExecute {
		return nil
	}
	return bootstrapAlpine(ctx, s.Version)
}

// UbuntuRepo appends an additional APT source line; hash-only effect aside,
// its side effect edits /etc/apt/sources.list.d inside the rootfs.
type UbuntuRepo struct {
	URL, Codename, Component string
}

func (s *UbuntuRepo) String() string {
	return fmt.Sprintf("UbuntuRepo %s %s %s", s.URL, s.Codename, s.Component)
}

func (s *UbuntuRepo) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("UbuntuRepo", repoLine(s.URL, s.Codename, s.Component))
	return version.Hashed, nil
}

func (s *UbuntuRepo) Execute(ctx *Context, doExecute bool) error {
	if !doExecute {
		return nil
	}
	return appendFileInRoot(ctx, "etc/apt/sources.list.d/rootbox.list", repoLine(s.URL, s.Codename, s.Component)+"\n")
}

// UbuntuUniverse toggles the universe component on; configure-only.
type UbuntuUniverse struct{}

func (s *UbuntuUniverse) String() string { return "UbuntuUniverse" }

func (s *UbuntuUniverse) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Item("UbuntuUniverse")
	return version.Hashed, nil
}

func (s *UbuntuUniverse) Execute(ctx *Context, doExecute bool) error {
	ctx.Distro.enableUniverse()
	return nil
}

// Sh runs text under `/bin/sh -exc` on a real build.
type Sh struct {
	Text string
}

func (s *Sh) String() string { return "Sh " + s.Text }

func (s *Sh) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("Sh", s.Text)
	return version.Hashed, nil
}

func (s *Sh) Execute(ctx *Context, doExecute bool) error {
	if !doExecute {
		return nil
	}
	return runInRoot(ctx, []string{"/bin/sh", "-exc", s.Text}, nil)
}

// Cmd runs argv directly (no shell) on a real build.
type Cmd struct {
	Argv []string
}

func (s *Cmd) String() string { return "Cmd " + strings.Join(s.Argv, " ") }

func (s *Cmd) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Sequence("Cmd", s.Argv)
	return version.Hashed, nil
}

func (s *Cmd) Execute(ctx *Context, doExecute bool) error {
	if !doExecute {
		return nil
	}
	return runInRoot(ctx, s.Argv, nil)
}

// Env merges vars into the build environ; configure-only.
type Env struct {
	Vars map[string]string
}

func (s *Env) String() string { return "Env " + strings.Join(sortedPairs(s.Vars), ",") }

func (s *Env) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Sequence("Env", sortedPairs(s.Vars))
	return version.Hashed, nil
}

func (s *Env) Execute(ctx *Context, doExecute bool) error {
	for k, v := range s.Vars {
		ctx.Environ[k] = v
	}
	return nil
}

// Remove registers p in remove_dirs and, on a real build, clears it
// immediately (spec §4.6 table: "register in remove_dirs" / "clean_dir(p)
// immediately").
type Remove struct {
	Path string
}

func (s *Remove) String() string { return "Remove " + s.Path }

func (s *Remove) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("Remove", s.Path)
	return version.Hashed, nil
}

func (s *Remove) Execute(ctx *Context, doExecute bool) error {
	ctx.RemoveDirs[s.Path] = true
	if !doExecute {
		return nil
	}
	return cleanContainerDir(ctx, s.Path)
}

// EmptyDir registers p in empty_dirs and, on a real build, ensures it is
// empty immediately.
type EmptyDir struct {
	Path string
}

func (s *EmptyDir) String() string { return "EmptyDir " + s.Path }

func (s *EmptyDir) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("EmptyDir", s.Path)
	return version.Hashed, nil
}

func (s *EmptyDir) Execute(ctx *Context, doExecute bool) error {
	ctx.EmptyDirs[s.Path] = true
	if !doExecute {
		return nil
	}
	return cleanContainerDir(ctx, s.Path)
}

// EnsureDir registers p in ensure_dirs and, on a real build, mkdirs it
// (mode 0755) immediately.
type EnsureDir struct {
	Path string
}

func (s *EnsureDir) String() string { return "EnsureDir " + s.Path }

func (s *EnsureDir) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("EnsureDir", s.Path)
	return version.Hashed, nil
}

func (s *EnsureDir) Execute(ctx *Context, doExecute bool) error {
	ctx.EnsureDirs[s.Path] = true
	if !doExecute {
		return nil
	}
	return ensureContainerDir(ctx, s.Path)
}

// CacheDirs registers named cache directories (container-path -> name),
// creating and bind-mounting each on first registration (spec §4.6
// "Cache dirs").
type CacheDirs struct {
	Dirs map[string]string // container path -> cache name
}

func (s *CacheDirs) String() string { return "CacheDirs " + strings.Join(sortedPairs(s.Dirs), ",") }

func (s *CacheDirs) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Sequence("CacheDirs", sortedPairs(s.Dirs))
	return version.Hashed, nil
}

func (s *CacheDirs) Execute(ctx *Context, doExecute bool) error {
	if !doExecute {
		return nil
	}
	paths := make([]string, 0, len(s.Dirs))
	for p := range s.Dirs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, containerPath := range paths {
		name := s.Dirs[containerPath]
		first, err := ctx.RegisterCacheDir(name, containerPath)
		if err != nil {
			return err
		}
		if !first {
			continue
		}
		if err := bindCacheDir(ctx, name, containerPath); err != nil {
			return err
		}
	}
	return nil
}

// Depends is hash-only: it influences the digest (so a dependency file's
// content changes force a rebuild) but has no runtime effect of its own.
type Depends struct {
	Path string
}

func (s *Depends) String() string { return "Depends " + s.Path }

func (s *Depends) Hash(w *digest.Writer) (version.Outcome, error) {
	return version.Hashed, w.File(s.Path, nil, nil)
}

func (s *Depends) Execute(ctx *Context, doExecute bool) error { return nil }

// Text writes each body to its path inside the rootfs (mode 0755) on a
// real build.
type Text struct {
	Files map[string]string // container path -> body
}

func (s *Text) String() string { return "Text " + strings.Join(sortedKeys(s.Files), ",") }

func (s *Text) Hash(w *digest.Writer) (version.Outcome, error) {
	for _, p := range sortedKeys(s.Files) {
		w.Field(p, s.Files[p])
	}
	return version.Hashed, nil
}

func (s *Text) Execute(ctx *Context, doExecute bool) error {
	if !doExecute {
		return nil
	}
	for _, p := range sortedKeys(s.Files) {
		if err := writeFileInRoot(ctx, p, s.Files[p], 0o755); err != nil {
			return err
		}
	}
	return nil
}

func sortedPairs(m map[string]string) []string {
	keys := sortedKeys(m)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + m[k]
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
