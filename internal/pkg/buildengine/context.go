// Package buildengine is the per-build engine state machine (spec §4.6,
// component C8): a mutable Context threaded through one build's setup
// steps, plus the step variants themselves. Grounded on the teacher's
// internal/pkg/build/build.go (the stage-by-stage Full() loop structure)
// and internal/pkg/build/stage.go (a bundle's mutable accumulation of
// state across steps), generalized from "one OCI stage" to "one container
// version's setup list", and on sources/conveyorPacker_*.go for the idea of
// one handler per variant with a fetch/apply split (here, Hash/Execute).
package buildengine

import (
	"fmt"
	"time"

	"github.com/rootbox/rootbox/internal/pkg/fsutil"
)

// PipSettings mirrors original_source's src/builder/commands/pip.rs: the
// sandboxed pip environment rootbox assembles for Py{2,3}Install steps.
type PipSettings struct {
	IndexURL   string
	FindLinks  []string
	NoDeps     bool
	TrustedHost []string
}

// Context is the mutable build state threaded through a container's setup
// list (spec §3 "Build context"). RootPath is the path to the in-progress
// rootfs, the host path <tmp root>/root that buildchild receives from the
// coordinator; CachePath is the project's shared, content-independent
// cache store (.rootbox/.cache), also a plain host path.
type Context struct {
	Distro Distro

	Packages         map[string]bool
	BuildDeps        map[string]bool
	FeaturedPackages map[string]bool

	EnsureDirs map[string]bool
	EmptyDirs  map[string]bool
	RemoveDirs map[string]bool

	// CacheDirs maps a container-relative path to the cache name backing
	// it; recorded so Finish can unmount them in reverse registration
	// order.
	CacheDirs    map[string]string
	cacheDirKeys []string

	Environ map[string]string

	PipSettings PipSettings
	Capsule     bool

	Timelog []string

	RootPath  string
	CachePath string

	start time.Time
}

// NewContext seeds a Context with the defaults spec §3 names: ensure_dirs
// {proc, sys, dev, work, tmp}, empty_dirs {tmp, var/tmp}, environ
// {TERM=dumb, HOME=/tmp, PATH=<standard>}.
func NewContext(rootPath, cachePath string) *Context {
	return &Context{
		Distro:           Distro{Kind: DistroUnknown},
		Packages:         map[string]bool{},
		BuildDeps:        map[string]bool{},
		FeaturedPackages: map[string]bool{},
		EnsureDirs: map[string]bool{
			"proc": true, "sys": true, "dev": true, "work": true, "tmp": true,
		},
		EmptyDirs: map[string]bool{
			"tmp": true, "var/tmp": true,
		},
		RemoveDirs: map[string]bool{},
		CacheDirs:  map[string]string{},
		Environ: map[string]string{
			"TERM": "dumb",
			"HOME": "/tmp",
			"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		},
		RootPath:  rootPath,
		CachePath: cachePath,
		start:     time.Now(),
	}
}

// Log appends a timelog entry per spec §4.6: "<monotonic_secs> Step:
// <debug-repr>".
func (c *Context) Log(step fmt.Stringer) {
	elapsed := time.Since(c.start).Seconds()
	c.Timelog = append(c.Timelog, fmt.Sprintf("%.3f Step: %s", elapsed, step.String()))
}

// RegisterCacheDir creates the shared cache directory (first registration
// only) and returns whether this call was the first. The caller is
// responsible for the container-side mkdir/clean/bind-mount.
func (c *Context) RegisterCacheDir(name, containerPath string) (first bool, err error) {
	if _, ok := c.CacheDirs[containerPath]; ok {
		return false, nil
	}
	cacheDir := c.CachePath + "/" + name
	if err := fsutil.EnsureDir(cacheDir); err != nil {
		return false, fmt.Errorf("failed to create cache dir %s: %w", cacheDir, err)
	}
	c.CacheDirs[containerPath] = name
	c.cacheDirKeys = append(c.cacheDirKeys, containerPath)
	return true, nil
}

// CacheDirsInUnmountOrder returns registered cache container-paths in
// reverse registration order, per spec §4.6: "Unmount happens in reverse
// order during finish."
func (c *Context) CacheDirsInUnmountOrder() []string {
	out := make([]string, len(c.cacheDirKeys))
	for i, k := range c.cacheDirKeys {
		out[len(out)-1-i] = k
	}
	return out
}
