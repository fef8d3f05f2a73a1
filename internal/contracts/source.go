package contracts

import (
	"regexp"
	"strings"
	"unicode"
)

// declaration 是源码中的一个 contract/interface/library 定义。
type declaration struct {
	Kind  string
	Name  string
	Start int
	Body  string
	// Bases 按源码书写顺序列出 is 子句中的父合约。
	Bases []string
}

var declPattern = regexp.MustCompile(`\b(abstract\s+contract|contract|interface|library)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// stripComments 去掉注释与字符串字面量内容，保留换行以维持行号。
func stripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	const (
		normal = iota
		line
		block
		str
	)
	state := normal
	var quote byte
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch state {
		case normal:
			switch {
			case c == '/' && i+1 < len(src) && src[i+1] == '/':
				state = line
				i++
			case c == '/' && i+1 < len(src) && src[i+1] == '*':
				state = block
				i++
			case c == '"' || c == '\'':
				state = str
				quote = c
				b.WriteByte(c)
			default:
				b.WriteByte(c)
			}
		case line:
			if c == '\n' {
				state = normal
				b.WriteByte('\n')
			}
		case block:
			if c == '\n' {
				b.WriteByte('\n')
			}
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				state = normal
				i++
			}
		case str:
			if c == '\\' && i+1 < len(src) {
				i++
				continue
			}
			if c == '\n' {
				b.WriteByte('\n')
			}
			if c == quote {
				state = normal
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

// declarations 返回全部顶层定义，并截取各自的花括号体。
func declarations(clean string) []declaration {
	matches := declPattern.FindAllStringSubmatchIndex(clean, -1)
	out := make([]declaration, 0, len(matches))
	for _, m := range matches {
		kind := strings.Join(strings.Fields(clean[m[2]:m[3]]), " ")
		d := declaration{Kind: kind, Name: clean[m[4]:m[5]], Start: m[0]}
		if open := strings.IndexByte(clean[m[1]:], '{'); open >= 0 {
			d.Bases = inheritance(clean[m[1] : m[1]+open])
			d.Body = braceBody(clean, m[1]+open)
		}
		out = append(out, d)
	}
	return out
}

// inheritance 解析 "is A, B(1, 2), Lib.C" 形式的父合约列表，忽略构造参数与限定前缀。
func inheritance(header string) []string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "is") || len(header) < 3 || !unicode.IsSpace(rune(header[2])) {
		return nil
	}
	var bases []string
	for _, part := range splitTopLevel(header[2:], ',') {
		name := strings.TrimSpace(part)
		if i := strings.IndexByte(name, '('); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if name != "" {
			bases = append(bases, name)
		}
	}
	return bases
}

// splitTopLevel 只在括号深度为 0 处切分。
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, last := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	return append(parts, s[last:])
}

// matchParen 返回与 open 处左括号配对的右括号下标，找不到时返回 -1。
func matchParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func braceBody(src string, open int) string {
	depth := 0
	for i := open; i < len(src); i++ {
		switch src[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return src[open+1 : i]
			}
		}
	}
	return src[open+1:]
}

func lineOf(src string, offset int) int {
	return strings.Count(src[:offset], "\n") + 1
}
