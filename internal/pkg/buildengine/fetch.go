package buildengine

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// gitCloneOrFetch clones url into cacheDir if it isn't already a git
// checkout, or fetches updates into it otherwise. Shelling out to the
// system `git` binary matches how the rest of the toolchain (and
// original_source, which itself shells to `git`) treats version control:
// no pack in the examples vendors a pure-Go git implementation.
func gitCloneOrFetch(cacheDir, url string) error {
	if _, err := os.Stat(filepath.Join(cacheDir, ".git")); err == nil {
		cmd := exec.Command("git", "fetch", "--all", "--tags")
		cmd.Dir = cacheDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return errors.Wrapf(err, "git fetch failed: %s", out)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cacheDir), 0o755); err != nil {
		return err
	}
	cmd := exec.Command("git", "clone", url, cacheDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "git clone failed: %s", out)
	}
	return nil
}

// gitCheckoutInto checks out revision from cacheDir's git history into
// dest via `git archive`, so dest ends up a plain tree with no .git
// directory leaking into the built rootfs.
func gitCheckoutInto(cacheDir, revision, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	archiveCmd := exec.Command("git", "archive", "--format=tar", revision)
	archiveCmd.Dir = cacheDir
	pipe, err := archiveCmd.StdoutPipe()
	if err != nil {
		return err
	}
	extractCmd := exec.Command("tar", "-x", "-C", dest)
	extractCmd.Stdin = pipe

	if err := extractCmd.Start(); err != nil {
		return err
	}
	if err := archiveCmd.Start(); err != nil {
		return err
	}
	if err := archiveCmd.Wait(); err != nil {
		return errors.Wrap(err, "git archive failed")
	}
	return extractCmd.Wait()
}

// fetchCached resolves source (an http(s) URL or a local path) to a local
// file path, downloading and caching remote sources under the shared cache
// store keyed by URL, and verifying expectedSHA256 when given.
func fetchCached(ctx *Context, source, expectedSHA256 string) (string, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return source, nil
	}

	cacheDir := ctx.CachePath + "/downloads"
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}
	local := filepath.Join(cacheDir, cacheKeyFor(source))

	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	resp, err := http.Get(source)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch %s", source)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch %s: HTTP %d", source, resp.StatusCode)
	}

	tmp := local + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", errors.Wrapf(err, "failed to write %s", tmp)
	}
	out.Close()

	if expectedSHA256 != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if got != expectedSHA256 {
			os.Remove(tmp)
			return "", fmt.Errorf("sha256 mismatch for %s: expected %s, got %s", source, expectedSHA256, got)
		}
	}

	if err := os.Rename(tmp, local); err != nil {
		return "", err
	}
	return local, nil
}

// extractTar extracts a (possibly gzipped) tar archive at local into dest,
// using the standard library's archive/tar and compress/gzip rather than
// shelling out, since Go's own implementation handles both transparently
// without needing to sniff for an external `tar`/`gzip` binary.
func extractTar(local, dest string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(local, ".gz") || strings.HasSuffix(local, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrap(err, "failed to open gzip stream")
		}
		defer gz.Close()
		r = gz
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read tar stream")
		}

		target := filepath.Join(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// copyTree copies src's contents into dst by shelling to `cp -a`,
// preserving ownership/mode/symlinks exactly, rather than reimplementing
// a recursive metadata-preserving copy over the standard library.
func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	cmd := exec.Command("cp", "-a", src+"/.", dst+"/")
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "cp -a %s -> %s failed: %s", src, dst, out)
	}
	return nil
}

// pipInstall pip-installs pkgs via the sandboxed pip environment described
// by ctx.PipSettings, grounded on original_source's pip.rs argv assembly.
func pipInstall(ctx *Context, pipBin string, pkgs []string) error {
	argv := pipArgv(ctx, pipBin, "install")
	argv = append(argv, pkgs...)
	return runInRoot(ctx, argv, nil)
}

// pipInstallRequirements is pipInstall sourced from a requirements file.
func pipInstallRequirements(ctx *Context, pipBin, requirementsPath string) error {
	argv := pipArgv(ctx, pipBin, "install", "-r", requirementsPath)
	return runInRoot(ctx, argv, nil)
}

func pipArgv(ctx *Context, pipBin string, verb ...string) []string {
	argv := append([]string{pipBin}, verb...)
	if ctx.PipSettings.IndexURL != "" {
		argv = append(argv, "--index-url", ctx.PipSettings.IndexURL)
	}
	for _, fl := range ctx.PipSettings.FindLinks {
		argv = append(argv, "--find-links", fl)
	}
	for _, th := range ctx.PipSettings.TrustedHost {
		argv = append(argv, "--trusted-host", th)
	}
	if ctx.PipSettings.NoDeps {
		argv = append(argv, "--no-deps")
	}
	return argv
}
