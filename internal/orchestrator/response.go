package orchestrator

import (
	"sort"
	"strings"

	"HiveMind-Copilot/internal/contracts"
	"HiveMind-Copilot/internal/normalize"
	"HiveMind-Copilot/internal/pipeline"
)

// StepState 是单个步骤的状态。
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// State 是流水线的最终状态。
type State string

const (
	StatePending            State = "pending"
	StateRunning            State = "running"
	StateCompleted          State = "completed"
	StatePartiallyCompleted State = "partially_completed"
	StateFailed             State = "failed"
)

// OutcomeOK 标记一次成功的提供方调用。
const OutcomeOK = "ok"

// Attempt 记录一次提供方调用。
type Attempt struct {
	Provider  string `json:"provider"`
	Outcome   string `json:"outcome"`
	LatencyMs int64  `json:"latency_ms"`
}

// StepReport 描述步骤的执行过程。
type StepReport struct {
	Name      string    `json:"name"`
	State     StepState `json:"state"`
	Attempts  []Attempt `json:"attempts"`
	Tokens    int       `json:"tokens"`
	Degraded  bool      `json:"degraded,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Warning 记录一个被吸收的步骤错误。
type Warning struct {
	Step    string `json:"step"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result 是各步骤 CanonicalResult 的合并视图。编译字段平铺在顶层。
type Result struct {
	Summary         string                    `json:"summary"`
	Code            string                    `json:"code,omitempty"`
	Language        string                    `json:"language,omitempty"`
	Tests           string                    `json:"tests,omitempty"`
	Analysis        map[string]any            `json:"analysis,omitempty"`
	Answer          string                    `json:"answer,omitempty"`
	Vulnerabilities []contracts.Vulnerability `json:"vulnerabilities,omitempty"`
	StaticFindings  []contracts.Finding       `json:"static_findings,omitempty"`
	*contracts.CompileResult
	Deployment    *contracts.Deployment    `json:"deployment,omitempty"`
	Collaboration *normalize.Collaboration `json:"collaboration,omitempty"`
	Sources       []normalize.Source       `json:"sources"`
	Confidence    float64                  `json:"confidence"`
}

// Response 是一次请求的最终输出。
type Response struct {
	RequestID string        `json:"request_id"`
	Kind      pipeline.Kind `json:"kind"`
	State     State         `json:"state"`
	Result    Result        `json:"result"`
	Warnings  []Warning     `json:"warnings"`
	Degraded  bool          `json:"degraded"`
	Steps     []StepReport  `json:"steps"`
}

type rankedSource struct {
	source     normalize.Source
	confidence float64
	step       int
}

// merge 按步骤顺序合并结果。results 中的 nil 表示该步骤没有产出。
func merge(results []*normalize.CanonicalResult) Result {
	out := Result{Sources: []normalize.Source{}}
	var (
		summaries []string
		ranked    []rankedSource
		total     float64
		counted   int
	)
	for i, res := range results {
		if res == nil {
			continue
		}
		counted++
		total += res.Confidence
		if res.Summary != "" {
			summaries = append(summaries, res.Summary)
		}
		f := res.Fields
		if f.Code != "" {
			out.Code, out.Language = f.Code, f.Language
		}
		if f.Tests != "" {
			out.Tests = f.Tests
		}
		if f.Analysis != nil {
			out.Analysis = f.Analysis
		}
		if f.Answer != "" {
			out.Answer = f.Answer
		}
		out.Vulnerabilities = append(out.Vulnerabilities, f.Vulnerabilities...)
		out.StaticFindings = append(out.StaticFindings, f.StaticFindings...)
		if f.Compile != nil {
			out.CompileResult = f.Compile
		}
		if f.Deployment != nil {
			out.Deployment = f.Deployment
		}
		if f.Collaboration != nil {
			out.Collaboration = f.Collaboration
		}
		for _, src := range res.Sources {
			ranked = append(ranked, rankedSource{source: src, confidence: res.Confidence, step: i})
		}
	}

	out.Summary = strings.Join(summaries, "\n\n")
	if counted > 0 {
		out.Confidence = total / float64(counted)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].confidence != ranked[j].confidence {
			return ranked[i].confidence > ranked[j].confidence
		}
		return ranked[i].step < ranked[j].step
	})
	seen := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		key := r.source.URL
		if key == "" {
			key = "title:" + r.source.Title
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Sources = append(out.Sources, r.source)
	}
	return out
}
