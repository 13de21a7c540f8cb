package cachekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNormalizesInputs(t *testing.T) {
	k1 := Compute("goal_viz_01", map[string]string{"sport": "Soccer "}, "voice-A")
	k2 := Compute("goal_viz_01", map[string]string{"sport": "soccer"}, "voice-A")
	k3 := Compute("goal_viz_01", map[string]string{"sport": "soccer"}, "voice-B")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Regexp(t, `^goal_viz_01:[0-9a-f]{16}:voice-A$`, k1)
}

func TestComputeIgnoresInsertionOrder(t *testing.T) {
	a := map[string]string{}
	a["sport"] = "tennis"
	a["tone"] = "Calm"
	a["level"] = "pro"

	b := map[string]string{}
	b["level"] = " PRO"
	b["tone"] = "calm"
	b["sport"] = "Tennis\t"

	for i := 0; i < 20; i++ {
		require.Equal(t, Compute("t", a, ""), Compute("t", b, ""))
	}
}

func TestComputeSensitivity(t *testing.T) {
	base := map[string]string{"sport": "soccer", "tone": "calm"}
	baseKey := Compute("goal_viz_01", base, "voice-A")

	cases := map[string]string{
		"value":    Compute("goal_viz_01", map[string]string{"sport": "rugby", "tone": "calm"}, "voice-A"),
		"variant":  Compute("goal_viz_01", base, "voice-C"),
		"template": Compute("goal_viz_02", base, "voice-A"),
		"extra":    Compute("goal_viz_01", map[string]string{"sport": "soccer", "tone": "calm", "x": ""}, "voice-A"),
		"missing":  Compute("goal_viz_01", map[string]string{"sport": "soccer"}, "voice-A"),
		"no-voice": Compute("goal_viz_01", base, ""),
	}
	seen := map[string]string{baseKey: "base"}
	for name, k := range cases {
		prev, dup := seen[k]
		assert.False(t, dup, "%s collides with %s", name, prev)
		seen[k] = name
	}
}

func TestComputeTotal(t *testing.T) {
	assert.NotPanics(t, func() {
		Compute("t", nil, "")
		Compute("t", map[string]string{}, "  ")
		Compute("t", map[string]string{"名前": "Ünïcödé ⚽"}, "voice")
	})
	assert.Equal(t, Compute("t", nil, ""), Compute("t", map[string]string{}, " "))
	assert.Equal(t, "t", TemplateOf(Compute("t", nil, "v")))
}

func TestCanonical(t *testing.T) {
	got := Canonical(map[string]string{"b": " Two ", "a": "ONE"})
	assert.Equal(t, `{"a":"one","b":"two"}`, got)
}

func TestInvalidUTF8DoesNotCollide(t *testing.T) {
	ff := Compute("t", map[string]string{"a": "\xff"}, "")
	fe := Compute("t", map[string]string{"a": "\xfe"}, "")
	replacement := Compute("t", map[string]string{"a": "\ufffd"}, "")

	assert.NotEqual(t, ff, fe)
	assert.NotEqual(t, ff, replacement)
	assert.NotEqual(t, Compute("t", map[string]string{"\xff": "x"}, ""), Compute("t", map[string]string{"\xfe": "x"}, ""))
	assert.Equal(t, ff, Compute("t", map[string]string{"a": " \xff "}, ""))

	assert.Equal(t, `[["61","c3a9ff"]]`, Canonical(map[string]string{"a": "\u00c9\xff"}))
}
