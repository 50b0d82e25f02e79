// Package digest implements rootbox's content-addressing hash (spec §4.4,
// component C6): a streaming SHA-256 fed through a small set of
// domain-specific encodings so that any implementation visiting the same
// fields and bytes in the same order produces the same digest. Wrapped in
// github.com/opencontainers/go-digest, the same content-addressing library
// the teacher uses for SIF/OCI digests — reused here for the recipe hash
// since no OCI artifact is in scope for rootbox.
package digest

import (
	"crypto/sha256"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	digestpkg "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

const fileChunkSize = 8 * 1024

// Writer accumulates the domain-specific byte stream that feeds the
// underlying SHA-256. Every method appends a NUL-terminated (or otherwise
// self-delimiting) encoding; the order methods are called in is part of
// the hash's contract (spec §4.4 invariant).
type Writer struct {
	h hash.Hash
}

// New starts an empty digest stream.
func New() *Writer {
	return &Writer{h: sha256.New()}
}

// Item appends v followed by a single NUL byte: `v || 0x00`.
func (w *Writer) Item(v string) {
	w.h.Write([]byte(v))
	w.h.Write([]byte{0})
}

// Field appends `k || 0 || v || 0`.
func (w *Writer) Field(k, v string) {
	w.h.Write([]byte(k))
	w.h.Write([]byte{0})
	w.h.Write([]byte(v))
	w.h.Write([]byte{0})
}

// Text appends k paired with n formatted as decimal, via Field.
func (w *Writer) Text(k string, n int64) {
	w.Field(k, strconv.FormatInt(n, 10))
}

// Bool appends k paired with a historical, deliberately inverted boolean
// encoding: byte 0 for true, byte 1 for false. This looks backwards but is
// preserved verbatim (spec §4.4, §9) since changing it would silently
// invalidate every previously computed digest.
func (w *Writer) Bool(k string, v bool) {
	w.h.Write([]byte(k))
	w.h.Write([]byte{0})
	if v {
		w.h.Write([]byte{0})
	} else {
		w.h.Write([]byte{1})
	}
}

// Sequence appends `k || 0 || v_1 || 0 || … || v_n || 0`.
func (w *Writer) Sequence(k string, seq []string) {
	w.h.Write([]byte(k))
	w.h.Write([]byte{0})
	for _, v := range seq {
		w.h.Write([]byte(v))
		w.h.Write([]byte{0})
	}
}

// File appends path's filename, mode, uid and gid, then its content: for a
// symlink, the link target bytes; for a regular file, the content bytes
// read in 8 KiB chunks; for a directory, every child in sorted-name order
// recursively. owner_uid/owner_gid, if non-nil, override the values read
// from the filesystem (used when versioning a not-yet-built rootfs where
// ownership comes from the uid map rather than the host stat result).
func (w *Writer) File(path string, ownerUID, ownerGID *uint32) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return errors.Wrapf(err, "digest: failed to stat %s", path)
	}

	uid, gid := statOwner(fi)
	if ownerUID != nil {
		uid = *ownerUID
	}
	if ownerGID != nil {
		gid = *ownerGID
	}

	w.Field("name", filepath.Base(path))
	w.Text("mode", int64(fi.Mode().Perm()))
	w.Text("uid", int64(uid))
	w.Text("gid", int64(gid))

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return errors.Wrapf(err, "digest: failed to read link %s", path)
		}
		w.Item(target)

	case fi.IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			return errors.Wrapf(err, "digest: failed to read dir %s", path)
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		sort.Strings(names)
		for _, name := range names {
			if err := w.File(filepath.Join(path, name), ownerUID, ownerGID); err != nil {
				return err
			}
		}

	default:
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "digest: failed to open %s", path)
		}
		defer f.Close()

		buf := make([]byte, fileChunkSize)
		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				w.h.Write(buf[:n])
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return errors.Wrapf(readErr, "digest: failed to read %s", path)
			}
		}
	}
	return nil
}

// Digest returns the accumulated SHA-256 as an OCI-style digest value
// ("sha256:<64 hex>").
func (w *Writer) Digest() digestpkg.Digest {
	sum := w.h.Sum(nil)
	return digestpkg.NewDigestFromBytes(digestpkg.SHA256, sum)
}

// Tag returns the 8-character hex prefix used as the on-disk directory tag
// for a committed container version (spec §4.5: "its 8-char prefix is used
// as the on-disk tag").
func Tag(d digestpkg.Digest) string {
	enc := d.Encoded()
	if len(enc) < 8 {
		return enc
	}
	return enc[:8]
}

func statOwner(fi os.FileInfo) (uid, gid uint32) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return st.Uid, st.Gid
}
