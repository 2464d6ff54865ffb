package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditDistance(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, EditDistance("abc", "abc"))
	assert.Equal(t, 3, EditDistance("abc", ""))
	assert.Equal(t, 1, EditDistance("kitten", "kitte"))
	assert.Equal(t, 3, EditDistance("kitten", "sitting"))
}

func TestDiffRoundTrip(t *testing.T) {
	t.Parallel()
	code := "def f():\n    return 1\n"
	resp := "<<<<<<< SEARCH\nreturn 1\n=======\nreturn 2\n>>>>>>> REPLACE\n"
	blocks := ParseDiff(resp)
	require.Len(t, blocks, 1)

	updated, matched := ApplyDiff(code, blocks)
	require.True(t, matched)
	assert.Contains(t, updated, "return 2")

	inverse := []DiffBlock{{Search: "return 2", Replace: "return 1"}}
	restored, matched := ApplyDiff(updated, inverse)
	require.True(t, matched)
	assert.Equal(t, code, restored)
}

func TestDiffNoMatch(t *testing.T) {
	t.Parallel()
	code := "original code"
	blocks := []DiffBlock{{Search: "not present", Replace: "x"}}
	result, matched := ApplyDiff(code, blocks)
	assert.False(t, matched)
	assert.Equal(t, code, result)
}

func TestParseDiffEmpty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ParseDiff("no diff blocks here"))
}

func TestExtractCode(t *testing.T) {
	t.Parallel()
	resp := "some preamble\n```python\nprint(1)\n```\ntrailing"
	assert.Equal(t, "print(1)\n", ExtractCode(resp, "python"))
	assert.Equal(t, "print(1)\n", ExtractCode(resp, ""))
	assert.Equal(t, "no fences here", ExtractCode("no fences here", "python"))
}

func TestAverageMetrics(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, AverageMetrics(nil))
	assert.InDelta(t, 2.0, AverageMetrics(map[string]float64{"a": 1, "b": 3}), 1e-9)
}
