// Package fsutil provides the path and file-lock primitives spec §4
// component C1 calls for: safe directory creation, recursive clean,
// relative-path math, and an advisory, exclusive, waitable file lock.
package fsutil

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/rootbox/rootbox/internal/pkg/sylog"
)

// Exclusive applies a blocking exclusive lock on path, creating it if
// necessary. Adapted from the teacher's pkg/util/fs/lock/lock.go.
func Exclusive(path string) (fd int, err error) {
	fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CREAT, 0o644)
	if err != nil {
		return fd, err
	}
	if err = unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return fd, err
	}
	return fd, nil
}

// TryExclusive applies a non-blocking exclusive lock on path.
func TryExclusive(path string) (fd int, acquired bool, err error) {
	fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CREAT, 0o644)
	if err != nil {
		return fd, false, err
	}
	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return fd, false, nil
		}
		return fd, false, err
	}
	return fd, true, nil
}

// Release drops the lock held on fd and closes it.
func Release(fd int) error {
	defer unix.Close(fd)
	return unix.Flock(fd, unix.LOCK_UN)
}

// ExclusiveWait blocks until an exclusive lock on path is acquired. If the
// lock is not immediately available it logs a one-time notice (spec §5:
// "on lock waits the engine emits a one-time notice and then blocks
// indefinitely") before falling back to the blocking Flock call.
func ExclusiveWait(path, reason string) (fd int, err error) {
	fd, acquired, err := TryExclusive(path)
	if err != nil {
		return fd, err
	}
	if acquired {
		return fd, nil
	}
	sylog.Infof("Waiting for lock on %s (%s)...", path, reason)
	return Exclusive(path)
}

// FileMissing reports whether path does not exist, treating permission
// errors as "exists" (conservative, since we never want to silently
// re-create something we just can't see into).
func FileMissing(path string) bool {
	_, err := os.Lstat(path)
	return os.IsNotExist(err)
}
