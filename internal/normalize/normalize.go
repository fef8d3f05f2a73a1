package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"HiveMind-Copilot/internal/contracts"
	"HiveMind-Copilot/internal/llm"
)

const (
	confidenceStructured = 0.9
	confidenceFenced     = 0.8
	confidenceBullets    = 0.8
	confidencePlain      = 0.6
	confidenceChatPlain  = 0.7
	confidenceDocsLinked = 0.7
	confidenceDocsPlain  = 0.5
	confidenceStatic     = 0.75
	confidencePeer       = 0.8
	confidenceExact      = 1.0
)

var errEmptyOutput = errors.New("empty provider output")

// Normalize 把提供方原始输出转换为 CanonicalResult。相同输入总是得到相同结果。
func Normalize(task Task, res *llm.Result) (CanonicalResult, error) {
	if res == nil || strings.TrimSpace(res.Text) == "" {
		return CanonicalResult{}, failure(task, "provider returned no text", errEmptyOutput)
	}
	switch task {
	case TaskGenerate, TaskTests:
		return normalizeCode(task, res.Text)
	case TaskAnalyze:
		return normalizeAnalysis(res.Text)
	case TaskAudit:
		return normalizeAudit(res.Text)
	case TaskChat:
		return normalizeChat(res.Text)
	case TaskDocs:
		return normalizeDocs(res.Text)
	default:
		return CanonicalResult{}, failure(task, "task has no text normalizer", fmt.Errorf("unsupported task %q", task))
	}
}

func normalizeCode(task Task, text string) (CanonicalResult, error) {
	out := CanonicalResult{Task: task}
	key := "code"
	if task == TaskTests {
		key = "tests"
	}

	var (
		code, lang string
		confidence float64
	)
	obj, looksJSON, err := rawObject(text)
	switch {
	case err != nil:
		return CanonicalResult{}, failure(task, "malformed JSON output", err)
	case looksJSON:
		if raw, ok := obj[key]; ok {
			_ = json.Unmarshal(raw, &code)
		}
		if raw, ok := obj["language"]; ok {
			_ = json.Unmarshal(raw, &lang)
		}
		var explanation string
		if raw, ok := obj["explanation"]; ok {
			_ = json.Unmarshal(raw, &explanation)
		}
		out.Summary = summarize(explanation)
		confidence = confidenceStructured
	default:
		if block, ok := firstCodeBlock(text); ok {
			code, lang = block.Body, block.Lang
			out.Summary = summarize(prose(text))
			confidence = confidenceFenced
		} else if looksLikeCode(text) {
			code = strings.TrimSpace(text)
			confidence = confidencePlain
		}
	}

	if strings.TrimSpace(code) == "" {
		return CanonicalResult{}, failure(task, "no code found in provider output", errEmptyOutput)
	}
	if out.Summary == "" {
		out.Summary = fmt.Sprintf("%s: %d lines", key, strings.Count(code, "\n")+1)
	}
	if task == TaskTests {
		out.Fields.Tests = code
	} else {
		out.Fields.Code = code
		out.Fields.Language = lang
	}
	out.Confidence = confidence
	return out, nil
}

func normalizeAnalysis(text string) (CanonicalResult, error) {
	out := CanonicalResult{Task: TaskAnalyze}
	obj, looksJSON, err := rawObject(text)
	if err != nil {
		return CanonicalResult{}, failure(TaskAnalyze, "malformed JSON output", err)
	}
	if !looksJSON {
		out.Summary = summarize(text)
		out.Fields.Analysis = map[string]any{"report": strings.TrimSpace(text)}
		out.Confidence = confidencePlain
		return out, nil
	}

	analysis := make(map[string]any, len(obj))
	for key, raw := range obj {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return CanonicalResult{}, failure(TaskAnalyze, "malformed JSON output", err)
		}
		analysis[key] = value
	}
	if summary, ok := analysis["summary"].(string); ok {
		out.Summary = summarize(summary)
	} else {
		keys := make([]string, 0, len(analysis))
		for k := range analysis {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out.Summary = "analysis covering " + strings.Join(keys, ", ")
	}
	out.Fields.Analysis = analysis
	out.Confidence = confidenceStructured
	return out, nil
}

type rawVulnerability struct {
	Name           string `json:"name"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Severity       string `json:"severity"`
	Location       string `json:"location"`
	Recommendation string `json:"recommendation"`
}

func (r rawVulnerability) toVulnerability() contracts.Vulnerability {
	name := r.Name
	if name == "" {
		name = r.Title
	}
	return contracts.Vulnerability{
		Name:           strings.TrimSpace(name),
		Description:    strings.TrimSpace(r.Description),
		Severity:       parseSeverity(r.Severity),
		Location:       r.Location,
		Recommendation: r.Recommendation,
	}
}

func parseSeverity(s string) contracts.Severity {
	sev := contracts.Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 && sev != contracts.SeverityInfo {
		return contracts.SeverityMedium
	}
	return sev
}

// decodeVulnerabilities 接受对象数组或字符串数组。
func decodeVulnerabilities(raw json.RawMessage) ([]contracts.Vulnerability, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]contracts.Vulnerability, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			out = append(out, contracts.Vulnerability{Name: name, Severity: contracts.SeverityMedium})
			continue
		}
		var v rawVulnerability
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, err
		}
		out = append(out, v.toVulnerability())
	}
	return out, nil
}

func normalizeAudit(text string) (CanonicalResult, error) {
	out := CanonicalResult{Task: TaskAudit, Fields: Fields{Vulnerabilities: []contracts.Vulnerability{}}}
	body := unfenceJSON(text)

	if strings.HasPrefix(body, "[") {
		vulns, err := decodeVulnerabilities(json.RawMessage(body))
		if err != nil {
			return CanonicalResult{}, failure(TaskAudit, "malformed vulnerability list", err)
		}
		out.Fields.Vulnerabilities = vulns
		out.Summary = auditSummary(vulns)
		out.Confidence = confidenceStructured
		return out, nil
	}

	obj, looksJSON, err := rawObject(text)
	if err != nil {
		return CanonicalResult{}, failure(TaskAudit, "malformed JSON output", err)
	}
	if looksJSON {
		if raw, ok := obj["vulnerabilities"]; ok {
			vulns, err := decodeVulnerabilities(raw)
			if err != nil {
				return CanonicalResult{}, failure(TaskAudit, "malformed vulnerability list", err)
			}
			out.Fields.Vulnerabilities = vulns
		}
		var summary string
		if raw, ok := obj["summary"]; ok {
			_ = json.Unmarshal(raw, &summary)
		}
		out.Summary = summarize(summary)
		if out.Summary == "" {
			out.Summary = auditSummary(out.Fields.Vulnerabilities)
		}
		out.Confidence = confidenceStructured
		return out, nil
	}

	for _, m := range bulletPattern.FindAllStringSubmatch(text, -1) {
		out.Fields.Vulnerabilities = append(out.Fields.Vulnerabilities, contracts.Vulnerability{
			Name:        strings.TrimSpace(m[2]),
			Description: strings.TrimSpace(m[3]),
			Severity:    parseSeverity(m[1]),
		})
	}
	if len(out.Fields.Vulnerabilities) > 0 {
		out.Summary = auditSummary(out.Fields.Vulnerabilities)
		out.Confidence = confidenceBullets
		return out, nil
	}
	out.Summary = summarize(text)
	out.Confidence = confidencePlain
	return out, nil
}

func auditSummary(vulns []contracts.Vulnerability) string {
	if len(vulns) == 0 {
		return "no vulnerabilities reported"
	}
	counts := make(map[contracts.Severity]int)
	for _, v := range vulns {
		counts[v.Severity]++
	}
	parts := make([]string, 0, len(counts))
	for _, sev := range []contracts.Severity{contracts.SeverityCritical, contracts.SeverityHigh, contracts.SeverityMedium, contracts.SeverityLow, contracts.SeverityInfo} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	return fmt.Sprintf("%d vulnerabilities (%s)", len(vulns), strings.Join(parts, ", "))
}

type rawAnswer struct {
	Answer     string   `json:"answer"`
	Response   string   `json:"response"`
	Sources    []Source `json:"sources"`
	Confidence *float64 `json:"confidence"`
}

func (r rawAnswer) text() string {
	if r.Answer != "" {
		return r.Answer
	}
	return r.Response
}

func decodeAnswer(task Task, text string) (*rawAnswer, error) {
	body := unfenceJSON(text)
	if !strings.HasPrefix(body, "{") {
		return nil, nil
	}
	var ans rawAnswer
	if err := json.Unmarshal([]byte(body), &ans); err != nil {
		return nil, failure(task, "malformed JSON output", err)
	}
	if strings.TrimSpace(ans.text()) == "" {
		return nil, failure(task, "JSON output has no answer", errEmptyOutput)
	}
	return &ans, nil
}

func normalizeChat(text string) (CanonicalResult, error) {
	ans, err := decodeAnswer(TaskChat, text)
	if err != nil {
		return CanonicalResult{}, err
	}
	if ans != nil {
		return CanonicalResult{
			Task:       TaskChat,
			Summary:    summarize(ans.text()),
			Fields:     Fields{Answer: ans.text()},
			Sources:    ans.Sources,
			Confidence: confidenceStructured,
		}, nil
	}
	answer := strings.TrimSpace(text)
	return CanonicalResult{
		Task:       TaskChat,
		Summary:    summarize(answer),
		Fields:     Fields{Answer: answer},
		Sources:    markdownSources(answer),
		Confidence: confidenceChatPlain,
	}, nil
}

func normalizeDocs(text string) (CanonicalResult, error) {
	ans, err := decodeAnswer(TaskDocs, text)
	if err != nil {
		return CanonicalResult{}, err
	}
	if ans != nil {
		confidence := confidenceStructured
		if ans.Confidence != nil {
			confidence = clamp(*ans.Confidence)
		}
		return CanonicalResult{
			Task:       TaskDocs,
			Summary:    summarize(ans.text()),
			Fields:     Fields{Answer: ans.text()},
			Sources:    ans.Sources,
			Confidence: confidence,
		}, nil
	}
	answer := strings.TrimSpace(text)
	sources := markdownSources(answer)
	confidence := confidenceDocsPlain
	if len(sources) > 0 {
		confidence = confidenceDocsLinked
	}
	return CanonicalResult{
		Task:       TaskDocs,
		Summary:    summarize(answer),
		Fields:     Fields{Answer: answer},
		Sources:    sources,
		Confidence: confidence,
	}, nil
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// FromCompile 校验编译输出并包装为 CanonicalResult。编译失败不是规范化错误，
// 结果以零置信度返回，由调用方决定后续处理。
func FromCompile(res *contracts.CompileResult) (CanonicalResult, error) {
	if res == nil {
		return CanonicalResult{}, failure(TaskCompile, "compiler returned no result", errEmptyOutput)
	}
	out := CanonicalResult{Task: TaskCompile, Fields: Fields{Compile: res}}
	if !res.Success {
		reason := "unknown error"
		if len(res.Errors) > 0 {
			reason = res.Errors[0]
		}
		out.Summary = "compilation failed: " + reason
		return out, nil
	}
	if res.Bytecode != "" {
		if _, err := hexutil.Decode(res.Bytecode); err != nil {
			return CanonicalResult{}, failure(TaskCompile, "bytecode is not valid hex", err)
		}
	}
	if len(res.ABI) > 0 {
		if _, err := abi.JSON(strings.NewReader(string(res.ABI))); err != nil {
			return CanonicalResult{}, failure(TaskCompile, "ABI is not valid", err)
		}
	}
	size := 0
	if res.Bytecode != "" {
		size = (len(res.Bytecode) - 2) / 2
	}
	out.Summary = fmt.Sprintf("compiled %s (%d bytes)", res.ContractName, size)
	if len(res.Warnings) > 0 {
		out.Summary += fmt.Sprintf(", %d warnings", len(res.Warnings))
	}
	out.Confidence = confidenceExact
	return out, nil
}

// FromAudit 包装静态分析结果。
func FromAudit(res *contracts.AuditResult) CanonicalResult {
	out := CanonicalResult{Task: TaskStaticAudit, Confidence: confidenceStatic}
	if res == nil {
		res = &contracts.AuditResult{}
	}
	out.Fields.Vulnerabilities = res.Vulnerabilities
	out.Fields.StaticFindings = res.Findings
	out.Summary = fmt.Sprintf("static analysis: %d findings", len(res.Findings))
	if len(res.Vulnerabilities) > 0 {
		out.Summary += ", " + auditSummary(res.Vulnerabilities)
	}
	return out
}

// FromCollaboration 解析协作代理的回复。
func FromCollaboration(counterparty, sessionID string, payload json.RawMessage) (CanonicalResult, error) {
	var report contracts.PeerReport
	body := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(body, "{") {
		return CanonicalResult{}, failure(TaskCollaborate, "peer reply is not a JSON object", errEmptyOutput)
	}
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return CanonicalResult{}, failure(TaskCollaborate, "malformed peer reply", err)
	}
	if report.Severity == "" {
		report.Severity = string(contracts.SeverityInfo)
	}
	collab := &Collaboration{
		Counterparty:    counterparty,
		SessionID:       sessionID,
		Vulnerabilities: nonNil(report.Vulnerabilities),
		Severity:        report.Severity,
		Recommendations: nonNil(report.Recommendations),
	}
	return CanonicalResult{
		Task:       TaskCollaborate,
		Summary:    fmt.Sprintf("%s reported %d issues (severity %s)", counterparty, len(collab.Vulnerabilities), collab.Severity),
		Fields:     Fields{Collaboration: collab},
		Confidence: confidencePeer,
	}, nil
}

// FromDeployment 包装部署结果。
func FromDeployment(dep *contracts.Deployment) CanonicalResult {
	if dep == nil {
		return CanonicalResult{Task: TaskDeploy}
	}
	return CanonicalResult{
		Task:       TaskDeploy,
		Summary:    fmt.Sprintf("deployed to %s at %s", dep.Network, dep.ContractAddress),
		Fields:     Fields{Deployment: dep},
		Confidence: confidenceExact,
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
