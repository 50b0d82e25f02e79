package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriterDeterministic(t *testing.T) {
	build := func() string {
		w := New()
		w.Item("Ubuntu")
		w.Field("codename", "jammy")
		w.Text("uid", 1000)
		w.Bool("auto_clean", true)
		w.Sequence("packages", []string{"curl", "git"})
		return w.Digest().Encoded()
	}

	first := build()
	second := build()
	assert.Equal(t, first, second)
	assert.Equal(t, 64, len(first))
}

func TestWriterOrderMatters(t *testing.T) {
	a := New()
	a.Item("one")
	a.Item("two")

	b := New()
	b.Item("two")
	b.Item("one")

	assert.Assert(t, a.Digest().Encoded() != b.Digest().Encoded())
}

func TestBoolEncodingIsInverted(t *testing.T) {
	// Bool deliberately emits 0x00 for true and 0x01 for false (spec §4.4,
	// §9); confirm each writer hashes exactly those bytes, and that true
	// and false hash differently.
	trueW := New()
	trueW.Bool("auto_clean", true)

	falseW := New()
	falseW.Bool("auto_clean", false)

	trueSum := sha256.Sum256([]byte("auto_clean\x00\x00"))
	assert.Equal(t, hex.EncodeToString(trueSum[:]), trueW.Digest().Encoded())
	falseSum := sha256.Sum256([]byte("auto_clean\x00\x01"))
	assert.Equal(t, hex.EncodeToString(falseSum[:]), falseW.Digest().Encoded())
	assert.Assert(t, trueW.Digest().Encoded() != falseW.Digest().Encoded())
}

func TestTagIsEightCharPrefix(t *testing.T) {
	w := New()
	w.Item("anything")
	tag := Tag(w.Digest())
	assert.Equal(t, 8, len(tag))
	assert.Equal(t, w.Digest().Encoded()[:8], tag)
}
