package buildengine

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestWireRoundTrip(t *testing.T) {
	steps := []Step{
		&UbuntuStep{Codename: "jammy"},
		&Sh{Text: "echo hello"},
		&Env{Vars: map[string]string{"FOO": "bar"}},
	}

	wire, err := ToWire(steps)
	assert.NilError(t, err)
	assert.Equal(t, 3, len(wire))
	assert.Equal(t, "Ubuntu", wire[0].Type)
	assert.Equal(t, "Sh", wire[1].Type)
	assert.Equal(t, "Env", wire[2].Type)

	back, err := FromWire(wire)
	assert.NilError(t, err)
	assert.Equal(t, 3, len(back))

	ubuntu, ok := back[0].(*UbuntuStep)
	assert.Assert(t, ok)
	assert.Equal(t, "jammy", ubuntu.Codename)

	sh, ok := back[1].(*Sh)
	assert.Assert(t, ok)
	assert.Equal(t, "echo hello", sh.Text)

	env, ok := back[2].(*Env)
	assert.Assert(t, ok)
	assert.Equal(t, "bar", env.Vars["FOO"])
}

func TestFromWireUnknownTypeErrors(t *testing.T) {
	_, err := FromWire([]WireStep{{Type: "NotAStep", Data: []byte(`{}`)}})
	assert.ErrorContains(t, err, "decoding step 0")
}
