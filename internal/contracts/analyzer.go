package contracts

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type rule struct {
	id             string
	title          string
	severity       Severity
	message        string
	recommendation string
	match          func(lines []string, i int) bool
}

var (
	txOriginPat     = regexp.MustCompile(`\btx\.origin\b`)
	valueCallPat    = regexp.MustCompile(`\.call\s*\{\s*value\s*:|\.call\.value\s*\(`)
	lowCallPat      = regexp.MustCompile(`\.(call|send)\s*(\{[^}]*\})?\s*\(`)
	delegatePat     = regexp.MustCompile(`\.delegatecall\s*\(`)
	selfdestructPat = regexp.MustCompile(`\b(selfdestruct|suicide)\s*\(`)
	timestampPat    = regexp.MustCompile(`\bblock\.timestamp\b|\bnow\b`)
	pragmaPat       = regexp.MustCompile(`pragma\s+solidity\s+([^;]+);`)
	stateWritePat   = regexp.MustCompile(`\b[A-Za-z_]\w*(\[[^\]]*\])+\s*(\+|-|\*|/)?=[^=]|\b[A-Za-z_]\w*\s*(\+|-)=`)
	checkedCallPat  = regexp.MustCompile(`\brequire\s*\(|\bif\s*\(|\bbool\b|=\s*[^=]*\.(call|send)|\bassert\s*\(`)
	functionPat     = regexp.MustCompile(`^\s*function\b`)
	minorVersionPat = regexp.MustCompile(`0\.(\d+)`)
)

var rules = []rule{
	{
		id: "tx-origin", title: "tx.origin authorization", severity: SeverityHigh,
		message:        "tx.origin is used, which lets a malicious intermediate contract act on behalf of the caller",
		recommendation: "Use msg.sender for authorization checks",
		match:          func(lines []string, i int) bool { return txOriginPat.MatchString(lines[i]) },
	},
	{
		id: "reentrancy", title: "Reentrancy", severity: SeverityHigh,
		message:        "state is written after an external call that forwards value",
		recommendation: "Apply the checks-effects-interactions pattern or a ReentrancyGuard",
		match:          stateWriteAfterCall,
	},
	{
		id: "unchecked-call", title: "Unchecked low-level call", severity: SeverityMedium,
		message:        "the return value of a low-level call is ignored",
		recommendation: "Check the boolean returned by call/send",
		match: func(lines []string, i int) bool {
			return lowCallPat.MatchString(lines[i]) && !checkedCallPat.MatchString(lines[i])
		},
	},
	{
		id: "delegatecall", title: "Delegatecall", severity: SeverityHigh,
		message:        "delegatecall executes foreign code in this contract's storage context",
		recommendation: "Restrict delegatecall targets to trusted, immutable addresses",
		match:          func(lines []string, i int) bool { return delegatePat.MatchString(lines[i]) },
	},
	{
		id: "selfdestruct", title: "Self-destruct", severity: SeverityHigh,
		message:        "the contract can be destroyed",
		recommendation: "Remove selfdestruct or guard it with strict access control",
		match:          func(lines []string, i int) bool { return selfdestructPat.MatchString(lines[i]) },
	},
	{
		id: "timestamp", title: "Timestamp dependence", severity: SeverityLow,
		message:        "block.timestamp can be influenced by block producers",
		recommendation: "Avoid using timestamps for randomness or tight deadlines",
		match:          func(lines []string, i int) bool { return timestampPat.MatchString(lines[i]) },
	},
	{
		id: "floating-pragma", title: "Floating pragma", severity: SeverityInfo,
		message:        "the compiler version is not pinned",
		recommendation: "Pin the pragma to the audited compiler version",
		match: func(lines []string, i int) bool {
			m := pragmaPat.FindStringSubmatch(lines[i])
			return m != nil && strings.ContainsAny(m[1], "^>~")
		},
	},
	{
		id: "integer-overflow", title: "Integer overflow", severity: SeverityMedium,
		message:        "compilers before 0.8 do not check arithmetic overflow",
		recommendation: "Upgrade to Solidity 0.8 or use SafeMath",
		match: func(lines []string, i int) bool {
			m := pragmaPat.FindStringSubmatch(lines[i])
			if m == nil {
				return false
			}
			v := minorVersionPat.FindStringSubmatch(m[1])
			if v == nil {
				return false
			}
			minor, err := strconv.Atoi(v[1])
			return err == nil && minor < 8
		},
	},
}

func stateWriteAfterCall(lines []string, i int) bool {
	if !valueCallPat.MatchString(lines[i]) {
		return false
	}
	for j := i + 1; j < len(lines); j++ {
		if functionPat.MatchString(lines[j]) {
			return false
		}
		if stateWritePat.MatchString(lines[j]) {
			return true
		}
	}
	return false
}

// StaticAnalyzer 是基于规则的轻量审计器，结果按行号稳定排序。
type StaticAnalyzer struct{}

// NewStaticAnalyzer 创建静态分析器。
func NewStaticAnalyzer() *StaticAnalyzer { return &StaticAnalyzer{} }

// Audit 实现 Auditor。
func (a *StaticAnalyzer) Audit(ctx context.Context, code string) (*AuditResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lines := strings.Split(stripComments(code), "\n")
	res := &AuditResult{Vulnerabilities: []Vulnerability{}, Findings: []Finding{}}

	for i := range lines {
		for _, r := range rules {
			if !r.match(lines, i) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				Rule:           r.id,
				Severity:       r.severity,
				Line:           i + 1,
				Message:        r.message,
				Recommendation: r.recommendation,
			})
		}
	}
	sort.SliceStable(res.Findings, func(i, j int) bool {
		if res.Findings[i].Line != res.Findings[j].Line {
			return res.Findings[i].Line < res.Findings[j].Line
		}
		return res.Findings[i].Rule < res.Findings[j].Rule
	})

	titles := make(map[string]string, len(rules))
	for _, r := range rules {
		titles[r.id] = r.title
	}
	for _, f := range res.Findings {
		if f.Severity.Rank() < SeverityMedium.Rank() {
			continue
		}
		res.Vulnerabilities = append(res.Vulnerabilities, Vulnerability{
			Name:           titles[f.Rule],
			Description:    f.Message,
			Severity:       f.Severity,
			Location:       fmt.Sprintf("line %d", f.Line),
			Recommendation: f.Recommendation,
		})
	}
	return res, nil
}
