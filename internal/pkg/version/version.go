// Package version implements rootbox's versioner (spec §4.5, component
// C7): it walks a container's setup steps feeding each into a digest.Writer,
// first folding in the process's current uid_map/gid_map when asked (every
// caller asks) so a subuid change forces a rebuild, and classifies the
// walk's outcome as Hashed (a real 64-hex digest) or New (unknowable before
// a real build, spec's sentinel exit 29). A failure of versioning itself is
// the separate error return, not an Outcome.
package version

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/rootbox/rootbox/internal/pkg/digest"
	"github.com/rootbox/rootbox/internal/pkg/rberrors"
)

// Outcome is the result of hashing one step, per spec §4.5: Hashed or New.
// Errors are reported through the separate error return.
type Outcome int

const (
	// Hashed means the step contributed deterministic bytes to the digest.
	Hashed Outcome = iota
	// New means the step's output depends on something not knowable before
	// a real build (e.g. an undownloaded distro base image).
	New
)

// Step is anything the versioner can fold into a digest: every buildengine
// step variant implements this, in addition to its Execute-time behavior.
type Step interface {
	// Hash feeds this step's identity into w and reports whether that
	// identity is fully known yet.
	Hash(w *digest.Writer) (Outcome, error)
}

// Result is the versioner's final verdict over a whole step list.
type Result struct {
	Outcome Outcome
	Digest  string // 64-hex digest.Digest.Encoded(), only set when Outcome == Hashed
	Tag     string // 8-char prefix of Digest, the on-disk tag
}

// Walk hashes every step in order into a fresh digest.Writer, first folding
// in the current uid_map/gid_map when foldUidmap is set, which every caller
// in rootbox does (spec §4.5: "Pre-build,
// the versioner reads /proc/self/uid_map and gid_map first so a user whose
// subuids changed forces a rebuild"). The walk stops at the first step that
// returns New or an error.
func Walk(steps []Step, foldUidmap bool) (Result, error) {
	w := digest.New()

	if foldUidmap {
		if err := foldProcMaps(w); err != nil {
			return Result{}, errors.Wrap(err, "version: failed to fold in uid/gid map")
		}
	}

	for i, step := range steps {
		outcome, err := step.Hash(w)
		if err != nil {
			return Result{}, rberrors.New(rberrors.KindBuild,
				fmt.Sprintf("versioning step %d", i), err)
		}
		if outcome == New {
			return Result{Outcome: New}, nil
		}
	}

	d := w.Digest()
	return Result{
		Outcome: Hashed,
		Digest:  d.Encoded(),
		Tag:     digest.Tag(d),
	}, nil
}

// foldProcMaps reads /proc/self/uid_map and gid_map and feeds their raw
// text into w verbatim, field-tagged, so any drift between build attempts
// changes the resulting digest.
func foldProcMaps(w *digest.Writer) error {
	uidMap, err := readProcMap("/proc/self/uid_map")
	if err != nil {
		return err
	}
	gidMap, err := readProcMap("/proc/self/gid_map")
	if err != nil {
		return err
	}
	w.Field("uid_map", uidMap)
	w.Field("gid_map", gidMap)
	return nil
}

func readProcMap(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", path)
	}
	return string(data), nil
}
