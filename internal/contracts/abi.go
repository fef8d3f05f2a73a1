package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type abiArg struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	InternalType string   `json:"internalType"`
	Components   []abiArg `json:"components,omitempty"`
	Indexed      bool     `json:"indexed,omitempty"`
}

type abiEntry struct {
	Type            string   `json:"type"`
	Name            string   `json:"name,omitempty"`
	Inputs          []abiArg `json:"inputs"`
	Outputs         []abiArg `json:"outputs,omitempty"`
	StateMutability string   `json:"stateMutability,omitempty"`
	Anonymous       bool     `json:"anonymous,omitempty"`
}

var (
	funcPattern     = regexp.MustCompile(`\bfunction\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)([^{;]*)`)
	ctorPattern     = regexp.MustCompile(`\bconstructor\s*\(([^)]*)\)([^{;]*)`)
	eventPattern    = regexp.MustCompile(`\bevent\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)\s*(anonymous)?\s*;`)
	receivePattern  = regexp.MustCompile(`\breceive\s*\(\s*\)\s*external\b`)
	fallbackPattern = regexp.MustCompile(`\bfallback\s*\(([^)]*)\)([^{;]*)`)
	returnsPat      = regexp.MustCompile(`\breturns\s*\(([^)]*)\)`)
	structPattern   = regexp.MustCompile(`\bstruct\s+([A-Za-z_][A-Za-z0-9_]*)\s*\{([^}]*)\}`)
	enumPattern     = regexp.MustCompile(`\benum\s+([A-Za-z_][A-Za-z0-9_]*)\s*\{`)
	initializer     = regexp.MustCompile(`=([^>]|$)`)
	locations       = map[string]bool{"memory": true, "calldata": true, "storage": true}
	// 以这些关键字开头的顶层语句不是状态变量。
	memberKeywords = map[string]bool{
		"function": true, "event": true, "error": true, "modifier": true, "constructor": true,
		"receive": true, "fallback": true, "using": true, "struct": true, "enum": true,
	}
)

// typeResolver 把源码中的类型名映射为 ABI 类型，识别同一源码内的结构体、枚举与合约名。
type typeResolver struct {
	structs map[string]string
	enums   map[string]bool
	named   map[string]bool
}

func newTypeResolver(clean string, decls []declaration) *typeResolver {
	r := &typeResolver{structs: map[string]string{}, enums: map[string]bool{}, named: map[string]bool{}}
	for _, m := range structPattern.FindAllStringSubmatch(clean, -1) {
		r.structs[m[1]] = m[2]
	}
	for _, m := range enumPattern.FindAllStringSubmatch(clean, -1) {
		r.enums[m[1]] = true
	}
	for _, d := range decls {
		r.named[d.Name] = true
	}
	return r
}

// resolve 返回类型对应的 ABI 参数描述，结构体展开为 tuple。
func (r *typeResolver) resolve(t string, seen map[string]bool) (abiArg, error) {
	base, suffix := t, ""
	if i := strings.IndexByte(t, '['); i >= 0 {
		base, suffix = t[:i], t[i:]
	}
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[i+1:]
	}

	switch {
	case r.enums[base]:
		return abiArg{Type: "uint8" + suffix, InternalType: "enum " + base + suffix}, nil
	case r.named[base]:
		return abiArg{Type: "address" + suffix, InternalType: "contract " + base + suffix}, nil
	}

	if body, ok := r.structs[base]; ok {
		if seen[base] {
			return abiArg{}, fmt.Errorf("recursive struct %s", base)
		}
		seen = withSeen(seen, base)
		arg := abiArg{Type: "tuple" + suffix, InternalType: "struct " + base + suffix, Components: []abiArg{}}
		for _, stmt := range strings.Split(body, ";") {
			fields := strings.Fields(stmt)
			if len(fields) == 0 {
				continue
			}
			if strings.HasPrefix(fields[0], "mapping") {
				return abiArg{}, fmt.Errorf("struct %s contains a mapping", base)
			}
			comp, err := r.resolve(fields[0], seen)
			if err != nil {
				return abiArg{}, err
			}
			comp.Name = fields[len(fields)-1]
			arg.Components = append(arg.Components, comp)
		}
		return arg, nil
	}

	typ := canonicalType(base) + suffix
	if _, err := abi.NewType(typ, "", nil); err != nil {
		return abiArg{}, fmt.Errorf("unsupported type %q", t)
	}
	return abiArg{Type: typ, InternalType: typ}, nil
}

func withSeen(seen map[string]bool, name string) map[string]bool {
	out := make(map[string]bool, len(seen)+1)
	for k := range seen {
		out[k] = true
	}
	out[name] = true
	return out
}

// extractABI 生成目标定义的 ABI：自身的构造函数、对外函数、public 状态变量访问器、
// 事件、receive/fallback，再按继承顺序合并同一源码中父合约的成员。
// 无法映射到 ABI 的条目会被跳过并产生告警。
func extractABI(target declaration, decls []declaration, r *typeResolver) (json.RawMessage, []string, error) {
	byName := make(map[string]declaration, len(decls))
	for _, d := range decls {
		byName[d.Name] = d
	}

	entries, warnings := members(target, r, true)
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[entrySig(e)] = true
	}

	visited := map[string]bool{target.Name: true}
	var walk func(d declaration)
	walk = func(d declaration) {
		// 越靠右的父合约越接近派生合约，优先合并。
		for i := len(d.Bases) - 1; i >= 0; i-- {
			name := d.Bases[i]
			if visited[name] {
				continue
			}
			visited[name] = true
			base, ok := byName[name]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("base %s not found in source, inherited members omitted from ABI", name))
				continue
			}
			inherited, w := members(base, r, false)
			warnings = append(warnings, w...)
			for _, e := range inherited {
				if sig := entrySig(e); !seen[sig] {
					seen[sig] = true
					entries = append(entries, e)
				}
			}
			walk(base)
		}
	}
	walk(target)

	encoded, err := json.Marshal(entries)
	if err != nil {
		return nil, warnings, err
	}
	if _, err := abi.JSON(bytes.NewReader(encoded)); err != nil {
		return nil, warnings, fmt.Errorf("generated ABI rejected: %w", err)
	}
	return encoded, warnings, nil
}

// members 返回单个定义自身声明的 ABI 条目。
func members(d declaration, r *typeResolver, withCtor bool) ([]abiEntry, []string) {
	entries := make([]abiEntry, 0)
	var warnings []string
	iface := d.Kind == "interface"

	if m := ctorPattern.FindStringSubmatch(d.Body); withCtor && m != nil {
		inputs, err := parseArgs(m[1], false, r)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("constructor omitted from ABI: %v", err))
		} else {
			entries = append(entries, abiEntry{Type: "constructor", Inputs: inputs, StateMutability: mutability(m[2])})
		}
	}

	for _, m := range funcPattern.FindAllStringSubmatch(d.Body, -1) {
		name, params, tail := m[1], m[2], m[3]
		if !iface && !hasWord(tail, "public") && !hasWord(tail, "external") {
			continue
		}
		inputs, err := parseArgs(params, false, r)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("function %s omitted from ABI: %v", name, err))
			continue
		}
		outputs := []abiArg{}
		if ret := returnsPat.FindStringSubmatch(tail); ret != nil {
			outputs, err = parseArgs(ret[1], false, r)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("function %s omitted from ABI: %v", name, err))
				continue
			}
		}
		entries = append(entries, abiEntry{Type: "function", Name: name, Inputs: inputs, Outputs: outputs, StateMutability: mutability(tail)})
	}

	for _, stmt := range topLevelStatements(d.Body) {
		entry, ok, err := getter(stmt, r)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("getter %s omitted from ABI: %v", entry.Name, err))
			continue
		}
		if ok {
			entries = append(entries, entry)
		}
	}

	for _, m := range eventPattern.FindAllStringSubmatch(d.Body, -1) {
		inputs, err := parseArgs(m[2], true, r)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("event %s omitted from ABI: %v", m[1], err))
			continue
		}
		entries = append(entries, abiEntry{Type: "event", Name: m[1], Inputs: inputs, Anonymous: m[3] != ""})
	}

	if receivePattern.MatchString(d.Body) {
		entries = append(entries, abiEntry{Type: "receive", Inputs: []abiArg{}, StateMutability: "payable"})
	}
	if m := fallbackPattern.FindStringSubmatch(d.Body); m != nil {
		state := "nonpayable"
		if hasWord(m[2], "payable") {
			state = "payable"
		}
		entries = append(entries, abiEntry{Type: "fallback", Inputs: []abiArg{}, StateMutability: state})
	}
	return entries, warnings
}

// topLevelStatements 返回定义体中花括号之外的语句，函数体被折叠为语句结束符。
func topLevelStatements(body string) []string {
	var b strings.Builder
	depth := 0
	for i := 0; i < len(body); i++ {
		switch c := body[i]; c {
		case '{':
			if depth == 0 {
				b.WriteByte(';')
			}
			depth++
		case '}':
			depth--
		default:
			if depth == 0 {
				b.WriteByte(c)
			}
		}
	}
	return strings.Split(b.String(), ";")
}

// getter 为 public 状态变量生成编译器自动提供的访问器。
// 映射键与数组下标依次成为输入，结构体只返回非数组成员。
func getter(stmt string, r *typeResolver) (abiEntry, bool, error) {
	stmt = strings.TrimSpace(stmt)
	fields := strings.Fields(stmt)
	if len(fields) < 2 || memberKeywords[leadingIdent(fields[0])] || !hasWord(stmt, "public") {
		return abiEntry{}, false, nil
	}
	if loc := initializer.FindStringIndex(stmt); loc != nil {
		stmt = strings.TrimSpace(stmt[:loc[0]])
	}

	typ, rest := "", ""
	if strings.HasPrefix(stmt, "mapping") {
		end := matchParen(stmt, strings.IndexByte(stmt, '('))
		if end < 0 {
			return abiEntry{}, false, nil
		}
		typ, rest = stmt[:end+1], stmt[end+1:]
	} else {
		f := strings.Fields(stmt)
		typ, rest = f[0], strings.Join(f[1:], " ")
	}
	mods := strings.Fields(rest)
	if len(mods) == 0 || !hasWord(rest, "public") {
		return abiEntry{}, false, nil
	}
	entry := abiEntry{Type: "function", Name: mods[len(mods)-1], Inputs: []abiArg{}, StateMutability: "view"}

	for {
		if strings.HasPrefix(typ, "mapping") {
			key, value, err := splitMapping(typ)
			if err != nil {
				return entry, false, err
			}
			arg, err := r.resolve(key, nil)
			if err != nil {
				return entry, false, err
			}
			entry.Inputs = append(entry.Inputs, arg)
			typ = value
			continue
		}
		if strings.HasSuffix(typ, "]") {
			typ = typ[:strings.LastIndexByte(typ, '[')]
			entry.Inputs = append(entry.Inputs, abiArg{Type: "uint256", InternalType: "uint256"})
			continue
		}
		break
	}

	out, err := r.resolve(typ, nil)
	if err != nil {
		return entry, false, err
	}
	if strings.HasPrefix(out.Type, "tuple") {
		entry.Outputs = []abiArg{}
		for _, c := range out.Components {
			if !strings.HasSuffix(c.Type, "]") {
				entry.Outputs = append(entry.Outputs, c)
			}
		}
	} else {
		entry.Outputs = []abiArg{out}
	}
	return entry, true, nil
}

func leadingIdent(s string) string {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return s[:i]
		}
	}
	return s
}

// splitMapping 拆出 mapping(K => V) 的键类型与值类型，键值上的名字被忽略。
func splitMapping(t string) (string, string, error) {
	open := strings.IndexByte(t, '(')
	end := matchParen(t, open)
	if open < 0 || end < 0 {
		return "", "", fmt.Errorf("malformed mapping %q", t)
	}
	inner := t[open+1 : end]
	depth := 0
	for i := 0; i+1 < len(inner); i++ {
		switch inner[i] {
		case '(':
			depth++
		case ')':
			depth--
		case '=':
			if depth != 0 || inner[i+1] != '>' {
				continue
			}
			key := strings.Fields(inner[:i])
			value := strings.TrimSpace(inner[i+2:])
			if len(key) == 0 || value == "" {
				return "", "", fmt.Errorf("malformed mapping %q", t)
			}
			if !strings.HasPrefix(value, "mapping") {
				value = strings.Fields(value)[0]
			}
			return key[0], value, nil
		}
	}
	return "", "", fmt.Errorf("malformed mapping %q", t)
}

func parseArgs(list string, event bool, r *typeResolver) ([]abiArg, error) {
	args := []abiArg{}
	list = strings.TrimSpace(list)
	if list == "" {
		return args, nil
	}
	for _, raw := range strings.Split(list, ",") {
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty parameter")
		}
		arg, err := r.resolve(fields[0], nil)
		if err != nil {
			return nil, err
		}
		rest := fields[1:]
		if arg.Type == "address" && len(rest) > 0 && rest[0] == "payable" {
			rest = rest[1:]
			arg.InternalType = "address payable"
		}
		for _, f := range rest {
			switch {
			case locations[f]:
			case event && f == "indexed":
				arg.Indexed = true
			default:
				arg.Name = f
			}
		}
		args = append(args, arg)
	}
	return args, nil
}

// entrySig 是合并继承成员时的去重键。
func entrySig(e abiEntry) string {
	switch e.Type {
	case "function", "event":
		types := make([]string, len(e.Inputs))
		for i, in := range e.Inputs {
			types[i] = argSig(in)
		}
		return e.Type + ":" + e.Name + "(" + strings.Join(types, ",") + ")"
	default:
		return e.Type
	}
}

func argSig(a abiArg) string {
	if !strings.HasPrefix(a.Type, "tuple") {
		return a.Type
	}
	parts := make([]string, len(a.Components))
	for i, c := range a.Components {
		parts[i] = argSig(c)
	}
	return "(" + strings.Join(parts, ",") + ")" + strings.TrimPrefix(a.Type, "tuple")
}

// canonicalType 展开 uint/int 等别名，数组后缀保持不变。
func canonicalType(t string) string {
	base, suffix := t, ""
	if i := strings.IndexByte(t, '['); i >= 0 {
		base, suffix = t[:i], t[i:]
	}
	switch base {
	case "uint":
		base = "uint256"
	case "int":
		base = "int256"
	case "byte":
		base = "bytes1"
	}
	return base + suffix
}

func mutability(tail string) string {
	switch {
	case hasWord(tail, "pure"):
		return "pure"
	case hasWord(tail, "view"):
		return "view"
	case hasWord(tail, "payable"):
		return "payable"
	default:
		return "nonpayable"
	}
}

func hasWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		if f == word {
			return true
		}
	}
	return false
}
