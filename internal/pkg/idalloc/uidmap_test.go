package idalloc

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestMapUsersReservesOwnIDFirst(t *testing.T) {
	alloc := &Allocation{
		Euid:      1000,
		Egid:      1000,
		UIDRanges: []Range{{Start: 100000, Count: 65536}},
		GIDRanges: []Range{{Start: 100000, Count: 65536}},
	}

	m, err := MapUsers(alloc, nil, nil)
	assert.NilError(t, err)
	assert.Assert(t, len(m.UID) >= 1)
	assert.Equal(t, Entry{Inside: 0, Outside: 1000, Length: 1}, m.UID[0])
	assert.Equal(t, Entry{Inside: 0, Outside: 1000, Length: 1}, m.GID[0])
}

func TestMapUsersInsufficientRangeErrors(t *testing.T) {
	alloc := &Allocation{
		Euid:      1000,
		Egid:      1000,
		UIDRanges: []Range{{Start: 100000, Count: 10}},
		GIDRanges: []Range{{Start: 100000, Count: 65536}},
	}

	_, err := MapUsers(alloc, []Range{{Start: 0, Count: 65536}}, nil)
	assert.ErrorType(t, err, func(err error) bool {
		_, ok := err.(*ErrInsufficientRange)
		return ok
	})
}

func TestMapUsersExactFit(t *testing.T) {
	alloc := &Allocation{
		Euid:      1000,
		Egid:      1000,
		UIDRanges: []Range{{Start: 100000, Count: 65536}},
		GIDRanges: []Range{{Start: 100000, Count: 65536}},
	}

	m, err := MapUsers(alloc, []Range{{Start: 0, Count: 100}}, []Range{{Start: 0, Count: 50}})
	assert.NilError(t, err)
	// requested range 0..100 has uid 0 carved off into the reserved entry,
	// leaving a 99-wide mapping sourced from the allocated range.
	assert.Equal(t, 2, len(m.UID))
	assert.Equal(t, Entry{Inside: 1, Outside: 100000, Length: 99}, m.UID[1])
	assert.Equal(t, 2, len(m.GID))
	assert.Equal(t, Entry{Inside: 1, Outside: 100000, Length: 49}, m.GID[1])
}

func TestRangeShiftAndEnd(t *testing.T) {
	r := Range{Start: 10, Count: 5}
	assert.Equal(t, uint32(14), r.End())

	shifted := r.shift(2)
	assert.Equal(t, Range{Start: 12, Count: 3}, shifted)

	exhausted := r.shift(100)
	assert.Equal(t, uint32(0), exhausted.Count)
}
