package idalloc

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Entry is one line of a kernel uid_map/gid_map: `inside outside length`.
type Entry struct {
	Inside  uint32
	Outside uint32
	Length  uint32
}

func (e Entry) String() string {
	return fmt.Sprintf("%d %d %d", e.Inside, e.Outside, e.Length)
}

// Uidmap is the pair of maps installed on a freshly created user namespace.
type Uidmap struct {
	UID []Entry
	GID []Entry
}

// Allocation is what get_max_uidmap (spec §4.1) returns: the invoking
// user/group id, and the subuid/subgid ranges available to them.
type Allocation struct {
	Euid, Egid uint32
	UIDRanges  []Range
	GIDRanges  []Range
}

func (r Range) shift(n uint32) Range {
	if n >= r.Count {
		return Range{Start: r.Start + r.Count, Count: 0}
	}
	return Range{Start: r.Start + n, Count: r.Count - n}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// GetMaxUidmap reads the invoking user's /etc/subuid and /etc/subgid
// allocations (spec §4.1). If both files contain no entry for this user and
// the caller is already root, it falls back to the kernel's existing
// /proc/self/{uid,gid}_map, per spec: "If both files are empty and the
// caller is already root, read /proc/self/uid_map/gid_map and reuse."
func GetMaxUidmap() (*Allocation, error) {
	euid := uint32(unix.Geteuid())
	egid := uint32(unix.Getegid())

	u, err := user.LookupId(strconv.Itoa(int(euid)))
	if err != nil {
		return nil, errors.Wrap(err, "unable to resolve invoking user name")
	}

	uidEntries, err := parseSubidFile("/etc/subuid")
	if err != nil {
		return nil, err
	}
	gidEntries, err := parseSubidFile("/etc/subgid")
	if err != nil {
		return nil, err
	}

	uidRanges, err := rangesForUser(uidEntries, u.Username)
	if err != nil {
		return nil, err
	}
	gidRanges, err := rangesForUser(gidEntries, u.Username)
	if err != nil {
		return nil, err
	}

	if len(uidRanges) == 0 && len(gidRanges) == 0 {
		if euid != 0 {
			return nil, fmt.Errorf("no /etc/subuid or /etc/subgid entries for user %q; "+
				"ask your administrator to allocate a subuid/subgid range "+
				"(or run as root, in which case the kernel's existing uid_map is reused)", u.Username)
		}
		uidRanges, err = readProcRanges("/proc/self/uid_map")
		if err != nil {
			return nil, err
		}
		gidRanges, err = readProcRanges("/proc/self/gid_map")
		if err != nil {
			return nil, err
		}
	}

	return &Allocation{Euid: euid, Egid: egid, UIDRanges: uidRanges, GIDRanges: gidRanges}, nil
}

// rangesForUser collects every enabled range from entries belonging to
// username (a subuid/subgid file may list several ranges per user).
func rangesForUser(entries []subidEntry, username string) ([]Range, error) {
	var ranges []Range
	for _, e := range entries {
		if e.name != username {
			continue
		}
		if e.disabled {
			return nil, fmt.Errorf("subid mapping for %q has been disabled by the administrator", username)
		}
		ranges = append(ranges, e.rng)
	}
	return ranges, nil
}

// readProcRanges parses /proc/<pid>/{uid,gid}_map's "inside outside length"
// lines into a list of inside-id Ranges (used by GetMaxUidmap as the source
// of capacity when running as root).
func readProcRanges(path string) ([]Range, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}
	defer f.Close()

	var ranges []Range
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		inside, err1 := strconv.ParseUint(fields[0], 10, 32)
		_, err2 := strconv.ParseUint(fields[1], 10, 32)
		count, err3 := strconv.ParseUint(fields[2], 10, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("malformed entry in %s: %q", path, scanner.Text())
		}
		ranges = append(ranges, Range{Start: uint32(inside), Count: uint32(count)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading %s", path)
	}
	return ranges, nil
}

// ErrInsufficientRange is returned by MapUsers when the container's
// requested ranges cannot be covered by the allocated subuid/subgid ranges.
type ErrInsufficientRange struct {
	Kind      string // "uid" or "gid"
	Required  []Range
	Available []Range
}

func (e *ErrInsufficientRange) Error() string {
	return fmt.Sprintf("number of allowed sub%[1]ss is too small. "+
		"Required %v, allowed %v. You either need to increase the allocated range in "+
		"/etc/sub%[1]s (preferred) or decrease the range needed by adding a `%[1]ss` "+
		"key to the container config", e.Kind, e.Required, e.Available)
}

// matchRanges is the greedy allocator from spec §4.1 / original_source
// src/container/uidmap.rs:match_ranges. uid (or gid) 0 is always reserved
// for the invoking user via a leading (0, ownID, 1) entry; the remainder of
// each requested range consumes the allowed ranges in order.
func matchRanges(kind string, req, allowed []Range, ownID uint32) ([]Entry, error) {
	result := []Entry{{Inside: 0, Outside: ownID, Length: 1}}
	if len(req) == 0 {
		return result, nil
	}
	if len(allowed) == 0 {
		// Every requested range beyond the reserved 0 needs some capacity.
		for _, r := range req {
			if r.Start == 0 {
				r = r.shift(1)
			}
			if r.Count > 0 {
				return nil, &ErrInsufficientRange{Kind: kind, Required: req, Available: allowed}
			}
		}
		return result, nil
	}

	ri, ai := 0, 0
	reqv := req[ri]
	allowv := allowed[ai]
	for {
		if reqv.Start == 0 && reqv.Count > 0 {
			reqv = reqv.shift(1)
		}
		if allowv.Start == 0 && allowv.Count > 0 {
			allowv = allowv.shift(1)
		}

		clen := minU32(reqv.Count, allowv.Count)
		if clen > 0 {
			result = append(result, Entry{Inside: reqv.Start, Outside: allowv.Start, Length: clen})
		}
		reqv = reqv.shift(clen)
		allowv = allowv.shift(clen)

		if reqv.Count == 0 {
			ri++
			if ri >= len(req) {
				break
			}
			reqv = req[ri]
		}
		if allowv.Count == 0 {
			ai++
			if ai >= len(allowed) {
				if reqv.Count > 0 {
					return nil, &ErrInsufficientRange{Kind: kind, Required: req, Available: allowed}
				}
				break
			}
			allowv = allowed[ai]
		}
	}
	return result, nil
}

// MapUsers greedily matches a container's requested uid/gid ranges against
// an Allocation (spec §4.1). uid 0 is always reserved for the invoker.
func MapUsers(alloc *Allocation, requiredUIDs, requiredGIDs []Range) (*Uidmap, error) {
	if len(requiredUIDs) == 0 {
		requiredUIDs = []Range{{Start: 0, Count: 65536}}
	}
	if len(requiredGIDs) == 0 {
		requiredGIDs = []Range{{Start: 0, Count: 65536}}
	}

	uidEntries, err := matchRanges("uid", requiredUIDs, alloc.UIDRanges, alloc.Euid)
	if err != nil {
		return nil, err
	}
	gidEntries, err := matchRanges("gid", requiredGIDs, alloc.GIDRanges, alloc.Egid)
	if err != nil {
		return nil, err
	}
	return &Uidmap{UID: uidEntries, GID: gidEntries}, nil
}

// ApplyUidmap writes the uid_map/setgroups/gid_map triplet to a spawned
// child's /proc/<pid> entries, in the order spec §4.1 requires: uid_map,
// then setgroups=deny, then gid_map (the kernel refuses to let an
// unprivileged process write gid_map until setgroups has been denied).
func ApplyUidmap(pid int, m *Uidmap) error {
	if err := writeMapFile(fmt.Sprintf("/proc/%d/uid_map", pid), m.UID); err != nil {
		return errors.Wrap(err, "failed to write uid_map")
	}
	if err := os.WriteFile(fmt.Sprintf("/proc/%d/setgroups", pid), []byte("deny"), 0o644); err != nil {
		return errors.Wrap(err, "failed to write setgroups")
	}
	if err := writeMapFile(fmt.Sprintf("/proc/%d/gid_map", pid), m.GID); err != nil {
		return errors.Wrap(err, "failed to write gid_map")
	}
	return nil
}

func writeMapFile(path string, entries []Entry) error {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
