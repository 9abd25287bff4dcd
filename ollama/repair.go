package ollama

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/BaSui01/keyflow/types"
)

// 修复管线使用的正则；均在包加载时编译。
var (
	fencedJSONRe   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	collapseWSRe   = regexp.MustCompile(`\s+`)
	adjacentObjRe  = regexp.MustCompile(`\}\s*\{`)
	quoteGapRe     = regexp.MustCompile(`"\s+"`)
	trailCommaRe   = regexp.MustCompile(`,\s*([\]}])`)
	missingCommaRe = regexp.MustCompile(`(["\d\]}])\s*\n\s*"`)
	pyTrueRe       = regexp.MustCompile(`\bTrue\b`)
	pyFalseRe      = regexp.MustCompile(`\bFalse\b`)
	pyNoneRe       = regexp.MustCompile(`\bNone\b`)

	bulletLineRe = regexp.MustCompile(`^[\s\-*•]*\**([A-Za-z_ ]+?)\**\s*[:：]\s*(.+)$`)

	fieldArrayRes = map[string]*regexp.Regexp{
		"subjects": regexp.MustCompile(`(?s)"subjects"\s*:\s*\[(.*?)\]`),
		"objects":  regexp.MustCompile(`(?s)"objects"\s*:\s*\[(.*?)\]`),
		"scene":    regexp.MustCompile(`(?s)"scene"\s*:\s*\[(.*?)\]`),
	}
	quotedStringRe = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
)

// Repair 将模型的原始文本响应修复为结构化关键词结果。
// 修复是一条逐级降级的阶梯，从不返回错误：直接解析、代码块提取、
// 花括号截取、Markdown 列表转换、渐进式正则修复、字段级提取，
// 全部失败时返回占位结果。
func Repair(raw string) *types.KeywordResult {
	text := strings.TrimSpace(raw)
	if text == "" {
		return types.PlaceholderResult(raw)
	}

	// 1. 直接解析
	if set := tryParse(text); set != nil {
		return &types.KeywordResult{Parsed: set, Raw: raw}
	}

	// 2. ```json 代码块提取
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if set := tryParse(m[1]); set != nil {
			return &types.KeywordResult{Parsed: set, Raw: raw}
		}
		// 代码块内容比外层包装更接近目标，后续步骤在其上继续
		text = m[1]
	}

	// 3. 截取首个 { 到末个 } 的子串并折叠空白
	if sub := braceSubstring(text); sub != "" {
		collapsed := collapseWSRe.ReplaceAllString(sub, " ")
		if set := tryParse(collapsed); set != nil {
			return &types.KeywordResult{Parsed: set, Raw: raw}
		}
		text = sub
	}

	// 4. Markdown 列表转结构
	if set := parseMarkdownList(raw); set != nil {
		return &types.KeywordResult{Parsed: set, Raw: raw}
	}

	// 5. 渐进式正则修复，每步之后都尝试一次解析
	repaired := text
	for _, fix := range []func(string) string{
		func(s string) string { return adjacentObjRe.ReplaceAllString(s, "},{") },
		func(s string) string { return quoteGapRe.ReplaceAllString(s, `","`) },
		func(s string) string { return trailCommaRe.ReplaceAllString(s, "$1") },
		func(s string) string { return missingCommaRe.ReplaceAllString(s, "$1,\n\"") },
		func(s string) string {
			s = pyTrueRe.ReplaceAllString(s, "true")
			s = pyFalseRe.ReplaceAllString(s, "false")
			return pyNoneRe.ReplaceAllString(s, "null")
		},
	} {
		repaired = fix(repaired)
		if set := tryParse(repaired); set != nil {
			return &types.KeywordResult{Parsed: set, Raw: raw}
		}
	}

	// 6. 字段级提取：哪怕整体损坏，也抢救出能识别的数组
	if set := extractFields(text); set != nil {
		return &types.KeywordResult{Parsed: set, Raw: raw}
	}

	// 7. 占位兜底
	return types.PlaceholderResult(raw)
}

// tryParse 尝试把文本解析为关键词结构；只接受 JSON 对象。
func tryParse(text string) *types.KeywordSet {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil
	}
	var set types.KeywordSet
	if err := json.Unmarshal([]byte(text), &set); err != nil {
		return nil
	}
	return &set
}

// braceSubstring 返回首个 { 到末个 } 之间的子串，不存在则返回空。
func braceSubstring(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// markdownCategories 列出 Markdown 转换可识别的分类名。
var markdownCategories = map[string]struct{}{
	"subjects": {}, "scene": {}, "people": {}, "nudity": {}, "objects": {},
	"lighting": {}, "colors": {}, "composition": {}, "mood": {}, "technical": {},
}

// parseMarkdownList 把 "- Subjects: cat, dog" 形式的列表转换为结构。
// 至少识别出一个已知分类才算成功。
func parseMarkdownList(text string) *types.KeywordSet {
	set := &types.KeywordSet{}
	matched := false
	for _, line := range strings.Split(text, "\n") {
		m := bulletLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		category := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(m[1]), " ", "_"))
		if _, ok := markdownCategories[category]; !ok {
			continue
		}
		values := splitKeywords(m[2])
		if len(values) == 0 {
			continue
		}
		matched = true
		switch category {
		case "subjects":
			set.Subjects = append(set.Subjects, values...)
		case "scene":
			set.Scene = append(set.Scene, values...)
		case "people":
			set.People = append(set.People, values...)
		case "nudity":
			set.Nudity = append(set.Nudity, values...)
		case "objects":
			set.Objects = append(set.Objects, values...)
		case "lighting":
			set.Lighting = append(set.Lighting, values...)
		case "colors":
			set.Colors = append(set.Colors, values...)
		case "composition":
			set.Composition = append(set.Composition, values...)
		case "mood":
			set.Mood = append(set.Mood, values...)
		case "technical":
			set.Technical = append(set.Technical, values...)
		}
	}
	if !matched {
		return nil
	}
	return set
}

func splitKeywords(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// extractFields 用字段级正则从损坏的 JSON 中抢救 subjects/objects/scene。
func extractFields(text string) *types.KeywordSet {
	set := &types.KeywordSet{}
	matched := false
	for field, re := range fieldArrayRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		var values []string
		for _, q := range quotedStringRe.FindAllStringSubmatch(m[1], -1) {
			if v := strings.TrimSpace(q[1]); v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		matched = true
		switch field {
		case "subjects":
			set.Subjects = values
		case "objects":
			set.Objects = values
		case "scene":
			set.Scene = values
		}
	}
	if !matched {
		return nil
	}
	return set
}
