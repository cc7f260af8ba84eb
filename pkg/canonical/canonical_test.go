package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": 3}
	b := map[string]any{"c": 3, "a": 2, "b": 1}

	outA, err := JSON(a)
	require.NoError(t, err)
	outB, err := JSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(outA), string(outB))
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(outA))
}

func TestSHA256Hex_Deterministic(t *testing.T) {
	h1 := SHA256Hex([]byte("hello"))
	h2 := SHA256Hex([]byte("hello"))
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashJSON_MatchesManualPipeline(t *testing.T) {
	v := map[string]any{"x": 1}
	h, err := HashJSON(v)
	require.NoError(t, err)

	raw, err := JSON(v)
	require.NoError(t, err)
	assert.Equal(t, SHA256Hex(raw), h)
}
