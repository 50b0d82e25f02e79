// Package nsutil wraps the Linux namespace and mount syscalls rootbox's
// builder and runner use (spec §4, component C3): clone flags, bind mounts,
// chroot/pivot_root, and entering an existing process's namespaces.
// Grounded on the teacher's pkg/util/namespaces/setns_linux.go (the nsMap/
// Enter shape, generalized from 4 namespaces to the full set rootbox needs)
// and the mount call shapes in
// internal/pkg/runtime/engine/apptainer/container_linux.go, simplified down
// to a plain bind-mount model since overlay/underlay/image-driver layering
// is out of scope.
package nsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Namespace identifies one of the namespace kinds rootbox clones or enters.
type Namespace string

const (
	NamespaceMount Namespace = "mnt"
	NamespaceUTS   Namespace = "uts"
	NamespaceIPC   Namespace = "ipc"
	NamespaceUser  Namespace = "user"
	NamespacePID   Namespace = "pid"
	NamespaceNet   Namespace = "net"
)

var cloneFlags = map[Namespace]uintptr{
	NamespaceMount: unix.CLONE_NEWNS,
	NamespaceUTS:   unix.CLONE_NEWUTS,
	NamespaceIPC:   unix.CLONE_NEWIPC,
	NamespaceUser:  unix.CLONE_NEWUSER,
	NamespacePID:   unix.CLONE_NEWPID,
	NamespaceNet:   unix.CLONE_NEWNET,
}

// CloneFlags ORs together the clone(2) flags for the given namespace set.
func CloneFlags(namespaces []Namespace) uintptr {
	var flags uintptr
	for _, ns := range namespaces {
		flags |= cloneFlags[ns]
	}
	return flags
}

var setnsSysNo = map[string]uintptr{
	"386":     346,
	"arm64":   268,
	"amd64":   308,
	"arm":     375,
	"ppc":     350,
	"ppc64":   350,
	"ppc64le": 350,
	"s390x":   339,
	"riscv64": 268,
}

// Enter joins the calling thread to the namespace of kind `namespace`
// belonging to pid. The caller must have locked the OS thread first
// (runtime.LockOSThread) since the change is per-thread.
func Enter(pid int, namespace Namespace) error {
	flag, ok := cloneFlags[namespace]
	if !ok {
		return fmt.Errorf("namespace %q not supported", namespace)
	}

	path := fmt.Sprintf("/proc/%d/ns/%s", pid, namespace)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("can't open namespace path %s: %w", path, err)
	}
	defer f.Close()

	sysno, ok := setnsSysNo[runtime.GOARCH]
	if !ok {
		return fmt.Errorf("unsupported platform %s", runtime.GOARCH)
	}

	_, _, errno := syscall.RawSyscall(sysno, f.Fd(), flag, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// BindMount bind-mounts source onto dest, optionally recursive and/or
// read-only. dest must already exist (callers create it via fsutil before
// calling this).
func BindMount(source, dest string, recursive, readonly bool) error {
	flags := uintptr(unix.MS_BIND)
	if recursive {
		flags |= unix.MS_REC
	}
	if err := unix.Mount(source, dest, "", flags, ""); err != nil {
		return errors.Wrapf(err, "failed to bind mount %s to %s", source, dest)
	}
	if readonly {
		remountFlags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
		if recursive {
			remountFlags |= unix.MS_REC
		}
		if err := unix.Mount("", dest, "", remountFlags, ""); err != nil {
			return errors.Wrapf(err, "failed to remount %s readonly", dest)
		}
	}
	return nil
}

// MountTmpfs mounts a tmpfs at dest with the given size in megabytes (0
// means no explicit size, i.e. the kernel default of half of RAM).
func MountTmpfs(dest string, sizeMB int) error {
	opts := ""
	if sizeMB > 0 {
		opts = fmt.Sprintf("size=%dm", sizeMB)
	}
	if err := unix.Mount("tmpfs", dest, "tmpfs", 0, opts); err != nil {
		return errors.Wrapf(err, "failed to mount tmpfs at %s", dest)
	}
	return nil
}

// MountProc mounts a fresh procfs at dest, used inside the pid namespace
// the runner sets up for the user command or supervised group.
func MountProc(dest string) error {
	if err := unix.Mount("proc", dest, "proc", 0, ""); err != nil {
		return errors.Wrapf(err, "failed to mount proc at %s", dest)
	}
	return nil
}

// Unmount lazily detaches the mount at path, tolerating EINVAL (already
// unmounted) so cleanup code can be unconditional.
func Unmount(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return nil
		}
		return errors.Wrapf(err, "failed to unmount %s", path)
	}
	return nil
}

// MakeRootPrivate flips the propagation of / (and everything under it) to
// private, matching what every mount namespace needs before pivoting so
// rootbox's bind mounts never leak back to the host's mount table.
func MakeRootPrivate() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return errors.Wrap(err, "failed to make / rprivate")
	}
	return nil
}

// PivotRoot moves the process's root to newRoot, stashing the old root
// under newRoot/putOld (which must already exist), then unmounts and
// removes putOld. Mirrors the two-step chroot/pivot pattern the teacher's
// container_linux.go documents in its Chroot comment ("pivot" vs "move").
func PivotRoot(newRoot, putOld string) error {
	if !filepath.IsAbs(putOld) {
		putOld = filepath.Join(newRoot, putOld)
	}
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return errors.Wrapf(err, "pivot_root(%s, %s) failed", newRoot, putOld)
	}
	if err := unix.Chdir("/"); err != nil {
		return errors.Wrap(err, "failed to chdir to new root")
	}
	oldRootInNew := "/" + relBase(newRoot, putOld)
	if err := unix.Unmount(oldRootInNew, unix.MNT_DETACH); err != nil {
		return errors.Wrapf(err, "failed to detach old root at %s", oldRootInNew)
	}
	if err := os.RemoveAll(oldRootInNew); err != nil {
		return errors.Wrapf(err, "failed to remove old root mountpoint %s", oldRootInNew)
	}
	return nil
}

func relBase(root, full string) string {
	if len(full) > len(root) && full[:len(root)] == root {
		rel := full[len(root):]
		for len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		return rel
	}
	return full
}

// Chroot is the simpler, non-pivoting alternative to PivotRoot for a caller
// with no spare mountpoint to stash the old root under. Nothing in rootbox
// calls it at present; the runner always pivots.
func Chroot(newRoot string) error {
	if err := unix.Chdir(newRoot); err != nil {
		return errors.Wrapf(err, "failed to chdir to %s", newRoot)
	}
	if err := unix.Chroot("."); err != nil {
		return errors.Wrapf(err, "chroot to %s failed", newRoot)
	}
	return unix.Chdir("/")
}

// Unshare wraps unix.Unshare for the given namespace set, for a process
// that must leave its namespaces without a clone(2). Nothing in rootbox
// calls it at present: spawn.go passes clone flags to exec.Cmd instead.
func Unshare(namespaces []Namespace) error {
	flags := int(CloneFlags(namespaces))
	if err := unix.Unshare(flags); err != nil {
		return errors.Wrapf(err, "unshare(0x%x) failed", flags)
	}
	return nil
}
