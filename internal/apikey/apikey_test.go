package apikey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	a, err := Generate("free")
	require.NoError(t, err)
	b, err := Generate("free")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "cda_free_"))
	assert.NotEqual(t, a, b)
	assert.True(t, WellFormed(a))
}

func TestHash_StableAndOneWay(t *testing.T) {
	raw, err := Generate("pro")
	require.NoError(t, err)

	h := Hash(raw)
	assert.Len(t, h, 64)
	assert.Equal(t, h, Hash(raw))
	assert.NotContains(t, h, raw)
	assert.NotEqual(t, h, Hash(raw+"x"))
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "cda_free_abc", Prefix("cda_free_abcdef0123"))
	assert.Equal(t, "short", Prefix("short"))
}

func TestWellFormed(t *testing.T) {
	assert.False(t, WellFormed(""))
	assert.False(t, WellFormed("sk_live_123"))
	assert.False(t, WellFormed("cda_free_nothex"))
	assert.False(t, WellFormed("cda_"+strings.Repeat("a", 64)))
	assert.True(t, WellFormed("cda_enterprise_"+strings.Repeat("ab", 32)))
}
