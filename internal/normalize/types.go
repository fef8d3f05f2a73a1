package normalize

import (
	"encoding/json"
	"net/http"

	"HiveMind-Copilot/internal/contracts"
	xerrors "HiveMind-Copilot/internal/errors"
)

// CodeNormalizationFailed 表示提供方输出无法解析为期望结构。
const CodeNormalizationFailed xerrors.Code = "NORMALIZATION_FAILED"

func init() {
	xerrors.Register(CodeNormalizationFailed, xerrors.Attributes{Message: "provider output could not be normalized", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusBadGateway})
}

// Task 是需要规范化的输出类别，与流水线步骤的任务一一对应。
type Task string

const (
	TaskGenerate    Task = "generate"
	TaskTests       Task = "tests"
	TaskAnalyze     Task = "analyze"
	TaskAudit       Task = "audit"
	TaskChat        Task = "chat"
	TaskDocs        Task = "docs"
	TaskCompile     Task = "compile"
	TaskStaticAudit Task = "static-audit"
	TaskCollaborate Task = "collaborate"
	TaskDeploy      Task = "deploy"
)

// Source 是一条引用来源。
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Collaboration 是协作代理返回的审计意见。
type Collaboration struct {
	Counterparty    string   `json:"counterparty"`
	SessionID       string   `json:"session_id"`
	Vulnerabilities []string `json:"vulnerabilities"`
	Severity        string   `json:"severity"`
	Recommendations []string `json:"recommendations"`
}

// Fields 承载按任务划分的结构化数据，未涉及的字段保持零值。
type Fields struct {
	Code            string                    `json:"code,omitempty"`
	Language        string                    `json:"language,omitempty"`
	Tests           string                    `json:"tests,omitempty"`
	Analysis        map[string]any            `json:"analysis,omitempty"`
	Answer          string                    `json:"answer,omitempty"`
	Vulnerabilities []contracts.Vulnerability `json:"vulnerabilities,omitempty"`
	StaticFindings  []contracts.Finding       `json:"static_findings,omitempty"`
	Compile         *contracts.CompileResult  `json:"compile,omitempty"`
	Deployment      *contracts.Deployment     `json:"deployment,omitempty"`
	Collaboration   *Collaboration            `json:"collaboration,omitempty"`
}

// CanonicalResult 是所有步骤输出的统一形态。
type CanonicalResult struct {
	Task       Task     `json:"task"`
	Summary    string   `json:"summary"`
	Fields     Fields   `json:"fields"`
	Sources    []Source `json:"sources,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Partial 在规范化失败时构造降级结果：保留原文，置信度为 0。
func Partial(task Task, text string) CanonicalResult {
	return CanonicalResult{Task: task, Summary: text, Confidence: 0}
}

func failure(task Task, reason string, cause error) *xerrors.Error {
	return xerrors.Wrap(CodeNormalizationFailed, cause, reason, xerrors.WithMetadata("task", string(task)))
}

// rawObject 尝试把文本解析为 JSON 对象；ok=false 表示不是 JSON。
// looksJSON=true 且解析失败时说明输出是损坏的 JSON。
func rawObject(text string) (obj map[string]json.RawMessage, looksJSON bool, err error) {
	body := unfenceJSON(text)
	if len(body) == 0 || body[0] != '{' {
		return nil, false, nil
	}
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return nil, true, err
	}
	return obj, true, nil
}
