package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Abs returns the absolute, cleaned form of path.
func Abs(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to determine absolute path for %q: %w", path, err)
	}
	return abs, nil
}

// IsFile reports whether path exists and is a regular file.
func IsFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// IsLink reports whether path exists and is a symlink.
func IsLink(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// EnsureDir creates path (and any missing parents) with mode 0755, matching
// spec §4.6's "finish" handling of ensure_dirs. It is idempotent: an
// existing directory is left alone, but a non-directory at path is an error.
func EnsureDir(path string) error {
	fi, err := os.Stat(path)
	if err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return os.Chmod(path, 0o755)
}

// CleanDir empties path (creating it if absent) without removing path
// itself, matching spec §4.6's empty_dirs semantics.
func CleanDir(path string) error {
	if err := RemoveContents(path); err != nil {
		return err
	}
	return EnsureDir(path)
}

// RemoveContents removes every entry inside dir, leaving dir itself (and
// its ownership/mode) untouched. A missing dir is not an error.
func RemoveContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// RemoveAll removes path entirely (directory, file, or dangling symlink),
// matching spec §4.6's remove_dirs semantics. A missing path is not an
// error.
func RemoveAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// RelBase strips prefix from path, returning a path relative to it. Used to
// turn an absolute container path (e.g. "/usr/bin") into the path relative
// to a rootfs root ("usr/bin") for joining under /vagga-equivalent roots.
func RelBase(prefix, path string) (string, error) {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s against %s: %w", path, prefix, err)
	}
	if rel == ".." || (len(rel) >= 3 && rel[:3] == "../") {
		return "", fmt.Errorf("%s escapes %s", path, prefix)
	}
	return rel, nil
}

// JoinRooted joins a container-relative path (which may or may not carry a
// leading slash) onto root. The path is cleaned as an absolute path first,
// so ".." components cannot climb above "/" and the result always stays
// inside root.
func JoinRooted(root, containerPath string) (string, error) {
	cleaned := filepath.Clean("/" + containerPath)
	joined := filepath.Join(root, cleaned)
	rootClean := filepath.Clean(root)
	if joined != rootClean && len(joined) <= len(rootClean)+1 {
		return "", fmt.Errorf("path %q escapes root %q", containerPath, root)
	}
	return joined, nil
}

// SortedKeys returns the keys of m in sorted order. Nothing in rootbox
// calls it at present; the digest package and the step handlers sort
// their own keys.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
