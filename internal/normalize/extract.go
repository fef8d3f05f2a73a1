package normalize

import (
	"regexp"
	"strings"
)

type fencedBlock struct {
	Lang string
	Body string
}

var (
	fencePattern    = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)```")
	linkPattern     = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	bulletPattern   = regexp.MustCompile(`(?im)^\s*(?:[-*]|\d+\.)\s*\[(critical|high|medium|low|info)\]\s*([^:\n]+):\s*(.+)$`)
	codeHintPattern = regexp.MustCompile(`pragma solidity|\b(contract|library|interface)\s+[A-Za-z_]\w*\s*(is\b|\{)|\bfunction\s+\w+\s*\(|\bdescribe\s*\(|\bdef\s+test_`)
)

func fencedBlocks(text string) []fencedBlock {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	out := make([]fencedBlock, 0, len(matches))
	for _, m := range matches {
		out = append(out, fencedBlock{Lang: strings.ToLower(m[1]), Body: strings.TrimSpace(m[2])})
	}
	return out
}

// firstCodeBlock 返回第一个非 JSON 的代码块。
func firstCodeBlock(text string) (fencedBlock, bool) {
	for _, b := range fencedBlocks(text) {
		if b.Lang == "json" || b.Body == "" {
			continue
		}
		return b, true
	}
	return fencedBlock{}, false
}

// unfenceJSON 剥离 ```json 包裹；没有包裹时返回去除空白的原文。
func unfenceJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	for _, b := range fencedBlocks(trimmed) {
		if b.Lang == "json" || strings.HasPrefix(b.Body, "{") || strings.HasPrefix(b.Body, "[") {
			if strings.HasPrefix(trimmed, "```") {
				return b.Body
			}
		}
	}
	return trimmed
}

// prose 返回去掉代码块后的说明文字。
func prose(text string) string {
	return strings.TrimSpace(fencePattern.ReplaceAllString(text, ""))
}

func looksLikeCode(text string) bool {
	return codeHintPattern.MatchString(text)
}

func markdownSources(text string) []Source {
	var out []Source
	seen := make(map[string]struct{})
	for _, m := range linkPattern.FindAllStringSubmatch(text, -1) {
		if _, dup := seen[m[2]]; dup {
			continue
		}
		seen[m[2]] = struct{}{}
		out = append(out, Source{Title: strings.TrimSpace(m[1]), URL: m[2]})
	}
	return out
}

// summarize 截取第一段，最多 400 个字符。
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "\n\n"); idx >= 0 {
		text = text[:idx]
	}
	runes := []rune(text)
	if len(runes) > 400 {
		return string(runes[:400]) + "..."
	}
	return text
}
