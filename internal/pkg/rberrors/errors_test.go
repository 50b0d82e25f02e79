package rberrors

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"config", New(KindConfig, "bad recipe", nil), ExitConfigNotFound},
		{"preflight", New(KindPreflight, "no subuid", nil), ExitUnexpected},
		{"build", New(KindBuild, "step failed", nil), ExitUnexpected},
		{"commit", New(KindCommit, "rename failed", nil), ExitUnexpected},
		{"runtime", New(KindRuntime, "exec failed", nil), ExitUnexpected},
		{"plain error", errors.New("boom"), ExitUnexpected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	wrapped := New(KindBuild, "building foo", inner)

	assert.Assert(t, errors.Is(wrapped, inner))
	assert.ErrorContains(t, wrapped, "root cause")
	assert.ErrorContains(t, wrapped, "building foo")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "config", KindConfig.String())
	assert.Equal(t, "runtime", KindRuntime.String())
}
