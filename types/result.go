package types

import (
	"encoding/json"
	"strings"
)

// PlaceholderScene 是模型响应完全不可解析时的兜底场景描述。
const PlaceholderScene = "Description not available"

// KeywordSet 是模型返回的分类关键词结构。
// 字段与推理后端的提示词约定一一对应。
type KeywordSet struct {
	Subjects    []string        `json:"subjects"`
	Scene       []string        `json:"scene"`
	People      []string        `json:"people,omitempty"`
	Nudity      []string        `json:"nudity,omitempty"`
	Objects     []string        `json:"objects"`
	Lighting    []string        `json:"lighting,omitempty"`
	Colors      []string        `json:"colors,omitempty"`
	Composition []string        `json:"composition,omitempty"`
	Mood        []string        `json:"mood,omitempty"`
	Technical   []string        `json:"technical,omitempty"`
	Extra       json.RawMessage `json:"-"`
}

// KeywordResult 是一次推理调用的结果：要么解析成功（Parsed 非 nil），
// 要么只保留原始文本。修复管线负责从 Raw 产出 Parsed。
type KeywordResult struct {
	Parsed *KeywordSet
	Raw    string
}

// IsParsed 返回结果是否已成功解析为结构化关键词。
func (r *KeywordResult) IsParsed() bool {
	return r != nil && r.Parsed != nil
}

// PlaceholderResult 返回最小可用结果：空关键词 + 占位场景描述。
func PlaceholderResult(raw string) *KeywordResult {
	return &KeywordResult{
		Parsed: &KeywordSet{
			Subjects: []string{},
			Objects:  []string{},
			Scene:    []string{PlaceholderScene},
		},
		Raw: raw,
	}
}

// Flatten 将各分类关键词展平为去重后的关键词列表，并返回场景描述
// （取 scene 的第一个元素）。未解析的结果返回空列表。
func (r *KeywordResult) Flatten() ([]string, string) {
	if !r.IsParsed() {
		return nil, ""
	}

	set := r.Parsed
	categories := [][]string{
		set.Subjects, set.Objects, set.Lighting, set.Colors,
		set.Composition, set.Mood, set.Technical, set.People, set.Nudity,
	}

	seen := make(map[string]struct{})
	var keywords []string
	for _, cat := range categories {
		for _, kw := range cat {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			keywords = append(keywords, kw)
		}
	}

	var scene string
	if len(set.Scene) > 0 {
		scene = strings.TrimSpace(set.Scene[0])
	}
	return keywords, scene
}
