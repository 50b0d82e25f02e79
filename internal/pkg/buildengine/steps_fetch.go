package buildengine

import (
	"fmt"
	"strings"

	"github.com/rootbox/rootbox/internal/pkg/digest"
	"github.com/rootbox/rootbox/internal/pkg/version"
)

// Git checks out url at revision into dest inside the rootfs, using the
// shared cache store to avoid re-cloning on every build.
type Git struct {
	URL, Revision, Dest string
}

func (s *Git) String() string { return fmt.Sprintf("Git %s@%s -> %s", s.URL, s.Revision, s.Dest) }

func (s *Git) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("Git", s.URL)
	w.Field("GitRevision", s.Revision)
	w.Field("GitDest", s.Dest)
	return version.Hashed, nil
}

func (s *Git) Execute(ctx *Context, doExecute bool) error {
	if !doExecute {
		return nil
	}
	cacheName := "git-" + cacheKeyFor(s.URL)
	if _, err := ctx.RegisterCacheDir(cacheName, ".git-cache/"+cacheName); err != nil {
		return err
	}
	cacheDir := ctx.CachePath + "/" + cacheName
	if err := gitCloneOrFetch(cacheDir, s.URL); err != nil {
		return err
	}
	dest := containerRoot(ctx, s.Dest)
	return gitCheckoutInto(cacheDir, s.Revision, dest)
}

// GitInstall is Git followed by a distro-appropriate `pip install .`-style
// step; rootbox keeps it as a distinct variant (rather than folding into
// Git) since its side effect chains a build command after the checkout.
type GitInstall struct {
	URL, Revision, Dest string
	InstallCmd          []string
}

func (s *GitInstall) String() string { return "GitInstall " + s.URL + "@" + s.Revision }

func (s *GitInstall) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("GitInstall", s.URL)
	w.Field("GitInstallRevision", s.Revision)
	w.Sequence("GitInstallCmd", s.InstallCmd)
	return version.Hashed, nil
}

func (s *GitInstall) Execute(ctx *Context, doExecute bool) error {
	g := &Git{URL: s.URL, Revision: s.Revision, Dest: s.Dest}
	if err := g.Execute(ctx, doExecute); err != nil {
		return err
	}
	if !doExecute || len(s.InstallCmd) == 0 {
		return nil
	}
	return runInRoot(ctx, s.InstallCmd, map[string]string{"PWD": s.Dest})
}

// Tar extracts an archive (local path or URL, cached when remote) into
// dest inside the rootfs.
type Tar struct {
	Source, Dest string
	SHA256       string // expected content digest, optional
}

func (s *Tar) String() string { return fmt.Sprintf("Tar %s -> %s", s.Source, s.Dest) }

func (s *Tar) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("Tar", s.Source)
	w.Field("TarDest", s.Dest)
	if s.SHA256 != "" {
		w.Field("TarSHA256", s.SHA256)
		return version.Hashed, nil
	}
	return version.New, nil
}

func (s *Tar) Execute(ctx *Context, doExecute bool) error {
	if !doExecute {
		return nil
	}
	local, err := fetchCached(ctx, s.Source, s.SHA256)
	if err != nil {
		return err
	}
	dest := containerRoot(ctx, s.Dest)
	return extractTar(local, dest)
}

// TarInstall is Tar followed by a build command run from the extracted
// directory (the classic "./configure && make install" pattern).
type TarInstall struct {
	Source, Dest string
	SHA256       string
	InstallCmd   []string
}

func (s *TarInstall) String() string { return "TarInstall " + s.Source }

func (s *TarInstall) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("TarInstall", s.Source)
	w.Sequence("TarInstallCmd", s.InstallCmd)
	if s.SHA256 != "" {
		w.Field("TarInstallSHA256", s.SHA256)
		return version.Hashed, nil
	}
	return version.New, nil
}

func (s *TarInstall) Execute(ctx *Context, doExecute bool) error {
	t := &Tar{Source: s.Source, Dest: s.Dest, SHA256: s.SHA256}
	if err := t.Execute(ctx, doExecute); err != nil {
		return err
	}
	if !doExecute || len(s.InstallCmd) == 0 {
		return nil
	}
	return runInRoot(ctx, s.InstallCmd, map[string]string{"PWD": s.Dest})
}

// PipConfig sets the sandboxed pip environment (index URL, find-links,
// deps flag) later Py{2,3}Install/Requirements steps use. Grounded on
// original_source src/builder/commands/pip.rs's PipSettings.
type PipConfig struct {
	IndexURL    string
	FindLinks   []string
	NoDeps      bool
	TrustedHost []string
}

func (s *PipConfig) String() string { return "PipConfig " + s.IndexURL }

func (s *PipConfig) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("PipConfig", s.IndexURL)
	w.Sequence("PipConfigFindLinks", s.FindLinks)
	w.Bool("PipConfigNoDeps", s.NoDeps)
	return version.Hashed, nil
}

func (s *PipConfig) Execute(ctx *Context, doExecute bool) error {
	ctx.PipSettings = PipSettings{
		IndexURL:    s.IndexURL,
		FindLinks:   s.FindLinks,
		NoDeps:      s.NoDeps,
		TrustedHost: s.TrustedHost,
	}
	return nil
}

// Py3Install adds the python3/pip3 toolchain to packages (configure) and
// pip-installs the named packages inside a sandboxed env (side effect).
type Py3Install struct {
	Packages []string
}

func (s *Py3Install) String() string { return "Py3Install " + strings.Join(s.Packages, ",") }

func (s *Py3Install) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Sequence("Py3Install", s.Packages)
	return version.Hashed, nil
}

func (s *Py3Install) Execute(ctx *Context, doExecute bool) error {
	ctx.Packages["python3"] = true
	ctx.Packages["python3-pip"] = true
	if !doExecute {
		return nil
	}
	return pipInstall(ctx, "pip3", s.Packages)
}

// Py3Requirements is Py3Install sourced from a requirements.txt file
// instead of an inline package list.
type Py3Requirements struct {
	Path string
}

func (s *Py3Requirements) String() string { return "Py3Requirements " + s.Path }

func (s *Py3Requirements) Hash(w *digest.Writer) (version.Outcome, error) {
	return version.Hashed, w.File(s.Path, nil, nil)
}

func (s *Py3Requirements) Execute(ctx *Context, doExecute bool) error {
	ctx.Packages["python3"] = true
	ctx.Packages["python3-pip"] = true
	if !doExecute {
		return nil
	}
	return pipInstallRequirements(ctx, "pip3", containerRoot(ctx, s.Path))
}

// NpmInstall adds the node/npm toolchain (configure) and npm-installs the
// named packages (side effect).
type NpmInstall struct {
	Packages []string
}

func (s *NpmInstall) String() string { return "NpmInstall " + strings.Join(s.Packages, ",") }

func (s *NpmInstall) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Sequence("NpmInstall", s.Packages)
	return version.Hashed, nil
}

func (s *NpmInstall) Execute(ctx *Context, doExecute bool) error {
	ctx.Packages["nodejs"] = true
	ctx.Packages["npm"] = true
	if !doExecute {
		return nil
	}
	if argv := ctx.Distro.npmConfigureCommand(); argv != nil {
		if err := runInRoot(ctx, argv, nil); err != nil {
			return err
		}
	}
	if len(s.Packages) == 0 {
		return nil
	}
	argv := append([]string{"npm", "install", "-g"}, s.Packages...)
	return runInRoot(ctx, argv, nil)
}

// ContainerStep recursively configures another container's setup inline,
// then (on a real build) copies that container's already-built root
// contents into the current tmp root.
type ContainerStep struct {
	Name string
	// Setup is the referenced container's setup list. buildengine never
	// looks up recipes itself, and neither DecodeStep nor the coordinator
	// fills this in, so it is empty for a step decoded from a recipe.
	Setup []Step
	// BuiltRoot is the absolute path to the referenced container's
	// already-committed root. Like Setup, nothing fills it in; Execute
	// with doExecute fails while it is empty.
	BuiltRoot string
}

func (s *ContainerStep) String() string { return "Container " + s.Name }

func (s *ContainerStep) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("Container", s.Name)
	for _, sub := range s.Setup {
		if _, err := sub.Hash(w); err != nil {
			return version.Hashed, err
		}
	}
	return version.Hashed, nil
}

func (s *ContainerStep) Execute(ctx *Context, doExecute bool) error {
	for _, sub := range s.Setup {
		if err := sub.Execute(ctx, false); err != nil {
			return fmt.Errorf("container %q setup: %w", s.Name, err)
		}
	}
	if !doExecute {
		return nil
	}
	if s.BuiltRoot == "" {
		return fmt.Errorf("container %q has not been built yet", s.Name)
	}
	return copyTree(s.BuiltRoot, ctx.RootPath)
}

// SubConfig names a nested recipe (inside another container's root or
// /work) and recurses into its Setup. A git-sourced SubConfig is rejected
// by DecodeStep. Nothing reads or parses the nested recipe file: Setup is
// empty for a step decoded from a recipe, so the step hashes only its
// source and path and executes nothing.
type SubConfig struct {
	Source string // "container", "work"
	Path   string
	// Setup is the nested setup list; no code path fills it in.
	Setup []Step
}

func (s *SubConfig) String() string { return "SubConfig " + s.Source + ":" + s.Path }

func (s *SubConfig) Hash(w *digest.Writer) (version.Outcome, error) {
	w.Field("SubConfig", s.Source+":"+s.Path)
	for _, sub := range s.Setup {
		if _, err := sub.Hash(w); err != nil {
			return version.Hashed, err
		}
	}
	return version.Hashed, nil
}

func (s *SubConfig) Execute(ctx *Context, doExecute bool) error {
	for _, sub := range s.Setup {
		if err := sub.Execute(ctx, doExecute); err != nil {
			return fmt.Errorf("subconfig %s:%s: %w", s.Source, s.Path, err)
		}
	}
	return nil
}

func cacheKeyFor(url string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return replacer.Replace(url)
}
