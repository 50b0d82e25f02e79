package coordinator

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/rootbox/rootbox/internal/pkg/fsutil"
	"github.com/rootbox/rootbox/internal/pkg/sylog"
)

// CleanSelector picks one of the four cleanup actions the `_clean`
// subcommand exposes (spec §3, grounded on original_source's
// src/wrapper/clean.rs Action enum).
type CleanSelector int

const (
	// CleanTemporary removes abandoned .tmp.<name> roots left behind by
	// builds that were interrupted or failed before commit.
	CleanTemporary CleanSelector = iota
	// CleanOld removes committed roots no longer referenced by any
	// container symlink (superseded versions left by auto_clean: false).
	// Leftover "*.old" and ".tmp.*" entries are skipped.
	CleanOld
	// CleanEverything removes the whole .rootbox directory.
	CleanEverything
	// CleanOrphans removes the .rootbox/<name> symlinks of containers no
	// longer named in the recipe (non-global) or, with --global, every
	// dangling .rootbox/<name> symlink in each registered project.
	CleanOrphans
)

// CleanOptions configures one Clean invocation.
type CleanOptions struct {
	Global bool
	DryRun bool
}

// registryPath is the per-host list of project directories that have ever
// built a container, appended to on every successful build so --global
// cleanup has something to iterate over without scanning the whole
// filesystem (original_source keeps the equivalent list in its
// settings-level storage-dir tracking).
func registryPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".cache", "rootbox", "projects"), nil
}

// RecordProject appends work to the per-host project registry if it is not
// already present, called once per successful Build.
func RecordProject(work string) error {
	abs, err := fsutil.Abs(work)
	if err != nil {
		return err
	}
	path, err := registryPath()
	if err != nil {
		return err
	}
	existing, err := readRegistry(path)
	if err != nil {
		return err
	}
	for _, p := range existing {
		if p == abs {
			return nil
		}
	}
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening project registry %s", path)
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, abs)
	return err
}

func readRegistry(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading project registry %s", path)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

// Clean runs selector against either this Coordinator's own project (the
// default) or, when opts.Global is set, every project in the per-host
// registry.
func (c *Coordinator) Clean(selector CleanSelector, opts CleanOptions) error {
	if !opts.Global {
		return cleanProject(c.Project, selector, c.Recipe, opts.DryRun)
	}

	path, err := registryPath()
	if err != nil {
		return err
	}
	projects, err := readRegistry(path)
	if err != nil {
		return err
	}
	for _, work := range projects {
		proj := ProjectRoot{Work: work}
		if fsutil.FileMissing(proj.rootboxDir()) {
			continue
		}
		// Global cleanup has no loaded recipe for the remote project, so
		// CleanOrphans there falls back to removing dangling
		// .rootbox/<name> symlinks rather than the per-recipe container
		// check. Projects whose .rootbox directory is gone are skipped
		// above and stay in the registry.
		if err := cleanProject(proj, selector, nil, opts.DryRun); err != nil {
			sylog.Errorf("cleaning %s: %v", work, err)
		}
	}
	return nil
}

func cleanProject(proj ProjectRoot, selector CleanSelector, recipe recipeContainers, dryRun bool) error {
	switch selector {
	case CleanTemporary:
		return cleanTemporary(proj, dryRun)
	case CleanOld:
		return cleanOld(proj, dryRun)
	case CleanEverything:
		return removePath(proj.rootboxDir(), dryRun)
	case CleanOrphans:
		return cleanOrphans(proj, recipe, dryRun)
	default:
		return fmt.Errorf("clean: unknown selector %d", selector)
	}
}

// recipeContainers is the subset of *config.Recipe cleanOrphans needs,
// defined locally so this file doesn't import config just for one field
// (and so the --global path, which has no loaded recipe, can pass nil).
type recipeContainers interface {
	HasContainer(name string) bool
}

// cleanTemporary removes every .tmp.<name> entry under .roots, matching
// original_source's clean_temporary: abandoned builder scratch roots left
// by an interrupted or failed build.
func cleanTemporary(proj ProjectRoot, dryRun bool) error {
	roots := proj.rootsDir()
	entries, err := os.ReadDir(roots)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", roots)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp.") {
			if err := removePath(filepath.Join(roots, e.Name()), dryRun); err != nil {
				return err
			}
		}
	}
	return nil
}

// cleanOld removes every committed root under .roots that is not the
// current target of any container symlink in .rootbox, i.e. every
// "<name>.<tag>" directory superseded by a later build.
func cleanOld(proj ProjectRoot, dryRun bool) error {
	roots := proj.rootsDir()
	entries, err := os.ReadDir(roots)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", roots)
	}

	live := liveRoots(proj)

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".tmp.") || strings.HasSuffix(name, ".old") {
			continue
		}
		full := filepath.Join(roots, name)
		if live[full] {
			continue
		}
		if err := removePath(full, dryRun); err != nil {
			return err
		}
	}
	return nil
}

// liveRoots resolves every non-dangling symlink directly under .rootbox to
// its target's committed-root directory, i.e. the set of roots currently in
// use and therefore exempt from cleanOld.
func liveRoots(proj ProjectRoot) map[string]bool {
	live := map[string]bool{}
	entries, err := os.ReadDir(proj.rootboxDir())
	if err != nil {
		return live
	}
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		link := filepath.Join(proj.rootboxDir(), e.Name())
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(proj.rootboxDir(), target)
		}
		// target is .../.roots/<name>.<tag>/root; the committed root
		// directory is its parent.
		live[filepath.Dir(target)] = true
	}
	return live
}

// cleanOrphans removes the .rootbox/<name> symlink of every container no
// longer named in the recipe (non-global), or, with no recipe loaded (the
// --global path), every .rootbox/<name> symlink whose target is missing.
// Only symlinks are removed; the committed roots they pointed at are left
// for CleanOld.
func cleanOrphans(proj ProjectRoot, recipe recipeContainers, dryRun bool) error {
	entries, err := os.ReadDir(proj.rootboxDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", proj.rootboxDir())
	}

	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		name := e.Name()
		link := filepath.Join(proj.rootboxDir(), name)

		if recipe != nil {
			if recipe.HasContainer(name) {
				continue
			}
			if err := removePath(link, dryRun); err != nil {
				return err
			}
			continue
		}

		if _, err := os.Stat(link); err != nil {
			if os.IsNotExist(err) {
				if err := removePath(link, dryRun); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func removePath(path string, dryRun bool) error {
	if dryRun {
		sylog.Infof("would remove %s", path)
		return nil
	}
	sylog.Infof("removing %s", path)
	return fsutil.RemoveAll(path)
}
