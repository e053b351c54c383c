package trie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndSearchPrefix(t *testing.T) {
	tr := New()
	tr.Insert("huaxia", "000001")
	tr.Insert("huatai", "510300")
	tr.Insert("tianhong", "000198")

	assert.ElementsMatch(t, []string{"000001", "510300"}, tr.SearchPrefix("hua"))
	assert.Equal(t, []string{"000001"}, tr.SearchPrefix("huax"))
	assert.Empty(t, tr.SearchPrefix("zhao"))
	assert.ElementsMatch(t, []string{"000001", "510300", "000198"}, tr.SearchPrefix(""))
}

func TestCollectUnionsSubtree(t *testing.T) {
	tr := New()
	tr.Insert("huaxia", "000001")
	tr.Insert("huatai", "510300")
	tr.Insert("tianhong", "000198")

	keys := tr.Collect("hua", -1)
	assert.ElementsMatch(t, []string{"000001", "510300"}, keys)

	keys = tr.Collect("tianhong", -1)
	assert.Equal(t, []string{"000198"}, keys)

	assert.Empty(t, tr.Collect("zz", -1))
}

func TestCollectDeduplicatesSharedKeys(t *testing.T) {
	tr := New()
	// One record reachable through two terms under the same prefix.
	tr.Insert("hxcz", "000001")
	tr.Insert("hxxj", "000001")

	keys := tr.Collect("hx", -1)
	assert.Equal(t, []string{"000001"}, keys)
}

func TestCollectHonorsLimit(t *testing.T) {
	tr := New()
	tr.Insert("fa", "1")
	tr.Insert("fb", "2")
	tr.Insert("fc", "3")
	tr.Insert("fd", "4")

	keys := tr.Collect("f", 2)
	require.Len(t, keys, 2)
}

func TestCollectIsDeterministic(t *testing.T) {
	tr := New()
	tr.Insert("fc", "3")
	tr.Insert("fa", "1")
	tr.Insert("fb", "2")

	first := tr.Collect("f", -1)
	for range 10 {
		assert.Equal(t, first, tr.Collect("f", -1))
	}
	// Children walk in rune order regardless of insertion order.
	assert.Equal(t, []string{"1", "2", "3"}, first)
}

func TestContainsReportsReachablePrefixes(t *testing.T) {
	tr := New()
	tr.Insert("huaxia", "000001")

	assert.True(t, tr.Contains("huaxia"))
	assert.True(t, tr.Contains("hua"))
	assert.False(t, tr.Contains("huaxiaa"))
	assert.False(t, tr.Contains("x"))
}

func TestCJKTerms(t *testing.T) {
	tr := New()
	tr.Insert("华夏", "000001")
	tr.Insert("华泰", "510300")

	assert.ElementsMatch(t, []string{"000001", "510300"}, tr.Collect("华", -1))
	assert.Equal(t, []string{"000001"}, tr.Collect("华夏", -1))
}

func TestCounts(t *testing.T) {
	tr := New()
	assert.Equal(t, 0, tr.NodeCount())
	assert.Equal(t, 0, tr.EntryCount())

	tr.Insert("ab", "1")
	tr.Insert("ac", "2")
	assert.Equal(t, 3, tr.NodeCount())
	assert.Equal(t, 2, tr.EntryCount())
}
