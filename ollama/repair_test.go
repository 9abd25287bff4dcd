package ollama

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/keyflow/types"
)

func TestRepair_DirectParse(t *testing.T) {
	r := Repair(`{"subjects": ["cat", "dog"], "scene": ["A sunny beach."], "objects": ["ball"]}`)
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"cat", "dog"}, r.Parsed.Subjects)
	assert.Equal(t, []string{"ball"}, r.Parsed.Objects)

	keywords, scene := r.Flatten()
	assert.Equal(t, []string{"cat", "dog", "ball"}, keywords)
	assert.Equal(t, "A sunny beach.", scene)
}

func TestRepair_FencedCodeBlock(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"subjects\": [\"cat\"], \"scene\": [\"A cat.\"]}\n```"
	r := Repair(raw)
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"cat"}, r.Parsed.Subjects)
	assert.Equal(t, raw, r.Raw, "raw response is preserved verbatim")

	_, scene := r.Flatten()
	assert.Equal(t, "A cat.", scene)
}

func TestRepair_FencedWithoutLanguageTag(t *testing.T) {
	r := Repair("```\n{\"subjects\": [\"tree\"]}\n```")
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"tree"}, r.Parsed.Subjects)
}

func TestRepair_BraceSubstring(t *testing.T) {
	r := Repair(`The model says: {"subjects": ["dog"], "scene": ["A park."]} hope that helps!`)
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"dog"}, r.Parsed.Subjects)
}

func TestRepair_MarkdownList(t *testing.T) {
	raw := `Sure! Here are the keywords:
- Subjects: cat, dog
- Scene: a sunny beach
* Objects: ball, frisbee
**Mood**: playful`
	r := Repair(raw)
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"cat", "dog"}, r.Parsed.Subjects)
	assert.Equal(t, []string{"a sunny beach"}, r.Parsed.Scene)
	assert.Equal(t, []string{"ball", "frisbee"}, r.Parsed.Objects)
	assert.Equal(t, []string{"playful"}, r.Parsed.Mood)
}

func TestRepair_TrailingComma(t *testing.T) {
	r := Repair(`{"subjects": ["cat", "dog",], "objects": [],}`)
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"cat", "dog"}, r.Parsed.Subjects)
}

func TestRepair_MissingCommaBetweenStrings(t *testing.T) {
	r := Repair("{\"subjects\": [\"cat\"\n\"dog\"]}")
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"cat", "dog"}, r.Parsed.Subjects)
}

func TestRepair_PythonLiterals(t *testing.T) {
	r := Repair(`{"subjects": ["cat"], "scene": None}`)
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"cat"}, r.Parsed.Subjects)
	assert.Empty(t, r.Parsed.Scene)
}

// 整体损坏但个别数组完好：字段级抢救。
func TestRepair_FieldExtraction(t *testing.T) {
	raw := `{"subjects": ["cat", "dog"], "scene": ["A beach."], "objects": [broken and never closed`
	r := Repair(raw)
	require.True(t, r.IsParsed())
	assert.Equal(t, []string{"cat", "dog"}, r.Parsed.Subjects)
	assert.Equal(t, []string{"A beach."}, r.Parsed.Scene)
	assert.Empty(t, r.Parsed.Objects)
}

func TestRepair_GarbageFallsBackToPlaceholder(t *testing.T) {
	for _, raw := range []string{
		"",
		"I cannot analyze this image.",
		"[1, 2, 3]",
		"{{{{",
	} {
		r := Repair(raw)
		require.True(t, r.IsParsed(), "placeholder must still be structured: %q", raw)
		assert.Empty(t, r.Parsed.Subjects)

		keywords, scene := r.Flatten()
		assert.Empty(t, keywords)
		assert.Equal(t, types.PlaceholderScene, scene)
	}
}

// 修复阶梯的总契约：任何输入都得到结构化结果，原文永不丢失。
func TestRepair_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("never returns nil and always structured", prop.ForAll(
		func(raw string) bool {
			r := Repair(raw)
			return r != nil && r.IsParsed() && r.Raw == raw
		},
		gen.AnyString(),
	))

	properties.Property("well-formed responses survive unchanged", prop.ForAll(
		func(subjects []string) bool {
			set := types.KeywordSet{Subjects: subjects, Scene: []string{"a scene"}, Objects: []string{}}
			body, err := json.Marshal(set)
			if err != nil {
				return false
			}
			r := Repair(string(body))
			if !r.IsParsed() {
				return false
			}
			if len(r.Parsed.Subjects) != len(subjects) {
				return false
			}
			for i := range subjects {
				if r.Parsed.Subjects[i] != subjects[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
