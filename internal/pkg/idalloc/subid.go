// Package idalloc resolves the uid/gid map installed on a newly spawned
// user namespace (spec §4.1, component C2): it reads the invoking user's
// /etc/subuid and /etc/subgid allocations, greedily matches them against a
// container's requested ranges, and applies the result to a child's
// /proc/<pid>/{uid_map,gid_map}.
package idalloc

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Range is a closed, non-overlapping numeric id range, e.g. a line out of
// /etc/subuid or an entry in a container's `uids`/`gids` recipe list.
type Range struct {
	Start uint32
	Count uint32
}

func (r Range) End() uint32 { return r.Start + r.Count - 1 }

func (r Range) String() string {
	return fmt.Sprintf("[%d..%d]", r.Start, r.End())
}

// subidEntry is one line of /etc/subuid or /etc/subgid for a single user
// name, in the "name:start:count" format, optionally prefixed with "!" to
// mark the entry administratively disabled.
type subidEntry struct {
	name     string
	disabled bool
	rng      Range
}

// parseSubidFile parses the subuid/subgid file format:
//
//	[!]name:start:count
//
// blank lines and lines starting with '#' are ignored. Grounded on the
// teacher's internal/pkg/fakeroot/idtools_files.go and the line shapes
// exercised by internal/pkg/fakeroot/config_test.go.
func parseSubidFile(path string) ([]subidEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	defer f.Close()

	var entries []subidEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		disabled := false
		if strings.HasPrefix(line, "!") {
			disabled = true
			line = line[1:]
		}

		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s:%d: malformed entry %q", path, lineNo, line)
		}

		start, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad start value %q", path, lineNo, fields[1])
		}
		count, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad count value %q", path, lineNo, fields[2])
		}

		entries = append(entries, subidEntry{
			name:     fields[0],
			disabled: disabled,
			rng:      Range{Start: uint32(start), Count: uint32(count)},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading %s", path)
	}
	return entries, nil
}

// entryForUser finds the (enabled) subid entry matching username, or an
// error if none exists or the entry is disabled.
func entryForUser(entries []subidEntry, username string) (Range, error) {
	for _, e := range entries {
		if e.name != username {
			continue
		}
		if e.disabled {
			return Range{}, fmt.Errorf("subid mapping for %q has been disabled by the administrator", username)
		}
		return e.rng, nil
	}
	return Range{}, fmt.Errorf("no subid entry for user %q", username)
}
