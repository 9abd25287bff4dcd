package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordResult_IsParsed(t *testing.T) {
	assert.False(t, (*KeywordResult)(nil).IsParsed())
	assert.False(t, (&KeywordResult{Raw: "text"}).IsParsed())
	assert.True(t, (&KeywordResult{Parsed: &KeywordSet{}}).IsParsed())
}

func TestKeywordResult_Flatten(t *testing.T) {
	r := &KeywordResult{Parsed: &KeywordSet{
		Subjects: []string{"cat", "dog", " cat "},
		Objects:  []string{"ball", "cat"},
		Colors:   []string{"red", ""},
		Mood:     []string{"playful"},
		Scene:    []string{"A sunny beach.", "second entry ignored"},
	}}

	keywords, scene := r.Flatten()
	// 跨分类去重，顺序保持首次出现
	assert.Equal(t, []string{"cat", "dog", "ball", "red", "playful"}, keywords)
	assert.Equal(t, "A sunny beach.", scene)
}

func TestKeywordResult_FlattenUnparsed(t *testing.T) {
	keywords, scene := (&KeywordResult{Raw: "garbage"}).Flatten()
	assert.Nil(t, keywords)
	assert.Empty(t, scene)
}

func TestPlaceholderResult(t *testing.T) {
	r := PlaceholderResult("raw model text")
	require.True(t, r.IsParsed())
	assert.Equal(t, "raw model text", r.Raw)

	keywords, scene := r.Flatten()
	assert.Empty(t, keywords)
	assert.Equal(t, PlaceholderScene, scene)
}
