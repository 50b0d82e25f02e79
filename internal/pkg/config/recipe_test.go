package config

import (
	"testing"

	"gotest.tools/v3/assert"
)

const sampleRecipe = `
containers:
  ubuntu:
    setup:
    - Ubuntu: jammy
    - Sh: echo hello
    auto_clean: true
    environ:
      FOO: bar
    default_command: ["/bin/sh"]
  worker:
    setup:
    - Alpine: "3.18"
commands:
  shell:
    container: ubuntu
    run: ["/bin/bash"]
    description: interactive shell
  both:
    children:
      web:
        container: ubuntu
        run: ["/bin/sh", "-c", "sleep 1"]
      db:
        container: worker
        force_start: true
`

func TestParseRecipe(t *testing.T) {
	r, err := Parse([]byte(sampleRecipe))
	assert.NilError(t, err)

	assert.Assert(t, r.HasContainer("ubuntu"))
	assert.Assert(t, r.HasContainer("worker"))
	assert.Assert(t, !r.HasContainer("missing"))

	ubuntu := r.Containers["ubuntu"]
	assert.Equal(t, 2, len(ubuntu.Setup))
	assert.Equal(t, true, ubuntu.AutoClean)
	assert.Equal(t, "bar", ubuntu.Environ["FOO"])

	shell := r.Commands["shell"]
	assert.Equal(t, false, shell.IsSupervise())
	assert.Equal(t, "ubuntu", shell.Container)

	both := r.Commands["both"]
	assert.Equal(t, true, both.IsSupervise())
	assert.Equal(t, 2, len(both.Children))
	assert.Equal(t, true, both.Children["db"].ForceStart)
}

func TestParseRecipeRejectsUnknownCommandContainer(t *testing.T) {
	bad := `
containers:
  ubuntu:
    setup:
    - Sh: echo hi
commands:
  shell:
    container: missing
    run: ["/bin/sh"]
`
	_, err := Parse([]byte(bad))
	assert.ErrorContains(t, err, "unknown container")
}

func TestParseRecipeRejectsOverlappingRanges(t *testing.T) {
	bad := `
containers:
  ubuntu:
    setup:
    - Sh: echo hi
    uids:
    - [0, 100]
    - [50, 150]
`
	_, err := Parse([]byte(bad))
	assert.ErrorContains(t, err, "overlap")
}

func TestParseRecipeRequiresAtLeastOneContainer(t *testing.T) {
	_, err := Parse([]byte("containers: {}\n"))
	assert.ErrorContains(t, err, "no containers")
}
