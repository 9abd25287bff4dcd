package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/keyflow/types"
)

// keyflowNS 是 sidecar 中存放原始 JSON 结果的私有命名空间。
const keyflowNS = `xmlns:keyflow="http://keyflow.dev/ns/1.0/"`

var (
	descBlockRe    = regexp.MustCompile(`(?s)<dc:description>.*?</dc:description>`)
	subjectBlockRe = regexp.MustCompile(`(?s)<dc:subject>.*?</dc:subject>`)
	keyflowBlockRe = regexp.MustCompile(`(?s)<keyflow:keywords>.*?</keyflow:keywords>`)
	descAttrRe     = regexp.MustCompile(`<rdf:Description rdf:about=""([^>]*)>`)
)

// SidecarPath 返回图片对应的 XMP sidecar 路径（替换扩展名）。
func SidecarPath(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext) + ".xmp"
}

// HasKeywords 判断 sidecar 是否已含关键词（Lightroom 的 dc:subject
// 或层级关键词均算）。文件不存在或不可读按"无关键词"处理。
func HasKeywords(xmpPath string) bool {
	data, err := os.ReadFile(xmpPath)
	if err != nil {
		return false
	}
	content := string(data)
	if strings.Contains(content, "<dc:subject>") && strings.Contains(content, "<rdf:li>") {
		return true
	}
	if strings.Contains(content, "<lr:hierarchicalSubject>") && strings.Contains(content, "<rdf:li>") {
		return true
	}
	return false
}

// Writer 把分析结果落到图片旁的元数据载体上。
type Writer interface {
	// Write 为图片写入关键词与场景描述。
	Write(imagePath string, result *types.KeywordResult) error
}

// SidecarWriter 生成 Lightroom 兼容的 XMP sidecar：
// dc:subject 存展平后的关键词，dc:description 存场景描述，
// keyflow:keywords 存完整的原始 JSON 以便后续重新导入。
type SidecarWriter struct {
	// PreserveExisting 为 true 时就地更新已有 sidecar 的相关字段，
	// 保留用户在 Lightroom 中的其他设置。
	PreserveExisting bool

	logger *zap.Logger
}

// NewSidecarWriter 创建 sidecar 写入器。
func NewSidecarWriter(preserveExisting bool, logger *zap.Logger) *SidecarWriter {
	return &SidecarWriter{
		PreserveExisting: preserveExisting,
		logger:           logger.With(zap.String("component", "xmp_writer")),
	}
}

// Write 实现 Writer。未解析的结果不产出 sidecar。
func (w *SidecarWriter) Write(imagePath string, result *types.KeywordResult) error {
	if !result.IsParsed() {
		return fmt.Errorf("result for %s is not parsed", imagePath)
	}

	keywords, scene := result.Flatten()
	xmpPath := SidecarPath(imagePath)

	w.logger.Debug("writing sidecar",
		zap.String("path", xmpPath),
		zap.Int("keywords", len(keywords)),
		zap.Bool("has_scene", scene != ""))

	rawJSON, err := json.Marshal(result.Parsed)
	if err != nil {
		return fmt.Errorf("marshal keyword set: %w", err)
	}

	if w.PreserveExisting {
		if existing, err := os.ReadFile(xmpPath); err == nil {
			updated := w.updateExisting(string(existing), keywords, scene, string(rawJSON))
			return os.WriteFile(xmpPath, []byte(updated), 0o644)
		}
	}

	content := buildSidecar(keywords, scene, string(rawJSON))
	return os.WriteFile(xmpPath, []byte(content), 0o644)
}

// updateExisting 只替换我们拥有的块，其余内容原样保留。
func (w *SidecarWriter) updateExisting(content string, keywords []string, scene, rawJSON string) string {
	if scene != "" {
		content = descBlockRe.ReplaceAllString(content, descriptionXML(scene))
	}

	if len(keywords) > 0 {
		if subjectBlockRe.MatchString(content) {
			content = subjectBlockRe.ReplaceAllString(content, subjectXML(keywords))
		} else {
			content = strings.Replace(content, "</rdf:Description>",
				subjectXML(keywords)+"\n         </rdf:Description>", 1)
		}
	}

	block := "<keyflow:keywords>" + escapeXML(rawJSON) + "</keyflow:keywords>"
	if keyflowBlockRe.MatchString(content) {
		content = keyflowBlockRe.ReplaceAllString(content, block)
	} else {
		if !strings.Contains(content, keyflowNS) {
			content = descAttrRe.ReplaceAllString(content,
				`<rdf:Description rdf:about=""$1 `+keyflowNS+`>`)
		}
		content = strings.Replace(content, "</rdf:Description>",
			"         "+block+"\n      </rdf:Description>", 1)
	}
	return content
}

func buildSidecar(keywords []string, scene, rawJSON string) string {
	var sb strings.Builder
	sb.WriteString(`<x:xmpmeta xmlns:x="adobe:ns:meta/" x:xmptk="XMP Core 5.5.0">
   <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
      <rdf:Description rdf:about=""
            xmlns:dc="http://purl.org/dc/elements/1.1/"
            xmlns:xmp="http://ns.adobe.com/xap/1.0/"
            xmlns:xmpRights="http://ns.adobe.com/xap/1.0/rights/"
            ` + keyflowNS + `>
`)
	if scene != "" {
		sb.WriteString("         " + descriptionXML(scene) + "\n")
	}
	if len(keywords) > 0 {
		sb.WriteString("         " + subjectXML(keywords) + "\n")
	}
	sb.WriteString("         <xmp:MetadataDate>" + time.Now().Format("2006-01-02T15:04:05") + "</xmp:MetadataDate>\n")
	sb.WriteString("         <keyflow:keywords>" + escapeXML(rawJSON) + "</keyflow:keywords>\n")
	sb.WriteString(`      </rdf:Description>
   </rdf:RDF>
</x:xmpmeta>
`)
	return sb.String()
}

// subjectXML 生成 Lightroom 识别的关键词 Bag。
func subjectXML(keywords []string) string {
	var sb strings.Builder
	sb.WriteString("<dc:subject>\n            <rdf:Bag>\n")
	for _, kw := range keywords {
		sb.WriteString("               <rdf:li>" + escapeXML(kw) + "</rdf:li>\n")
	}
	sb.WriteString("            </rdf:Bag>\n         </dc:subject>")
	return sb.String()
}

// descriptionXML 生成语言替代形式的场景描述。
func descriptionXML(scene string) string {
	return `<dc:description>
            <rdf:Alt>
               <rdf:li xml:lang="x-default">` + escapeXML(scene) + `</rdf:li>
            </rdf:Alt>
         </dc:description>`
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
