package pipeline

import (
	"fmt"
	"net/http"

	xerrors "HiveMind-Copilot/internal/errors"
	"HiveMind-Copilot/internal/normalize"
)

// CodeClassificationFailed 表示请求类别不受支持。
const CodeClassificationFailed xerrors.Code = "CLASSIFICATION_FAILED"

func init() {
	xerrors.Register(CodeClassificationFailed, xerrors.Attributes{Message: "unsupported request kind", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusBadRequest})
}

// Capability 是步骤依赖的能力。
type Capability string

const (
	CapabilityLLM         Capability = "llm-complete"
	CapabilityStaticAudit Capability = "static-audit"
	CapabilityCompile     Capability = "compile"
	CapabilityCollaborate Capability = "collaborate"
	CapabilityDeploy      Capability = "deploy"
)

// Step 是流水线中的一个工作单元。
type Step struct {
	Name       string         `json:"name"`
	Capability Capability     `json:"capability"`
	Task       normalize.Task `json:"task"`
	Fatal      bool           `json:"fatal"`
	Parallel   bool           `json:"parallel"`
	DependsOn  string         `json:"depends_on,omitempty"`
}

// Pipeline 是某个请求对应的静态步骤序列。
type Pipeline struct {
	Kind  Kind   `json:"kind"`
	Steps []Step `json:"steps"`
}

// Index 返回步骤序号，不存在时返回 -1。
func (p Pipeline) Index(name string) int {
	for i, s := range p.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Classify 根据请求类别和选项选择流水线，结果只取决于 (kind, options)。
func Classify(req Request) (Pipeline, error) {
	opts := req.Options
	p := Pipeline{Kind: req.Kind}
	switch req.Kind {
	case KindGenerate:
		p.Steps = append(p.Steps, Step{Name: "generate", Capability: CapabilityLLM, Task: normalize.TaskGenerate, Fatal: true})
		if opts.GenerateTests {
			p.Steps = append(p.Steps, Step{Name: "tests", Capability: CapabilityLLM, Task: normalize.TaskTests, DependsOn: "generate"})
		}
	case KindAnalyze:
		p.Steps = append(p.Steps, Step{Name: "analyze", Capability: CapabilityLLM, Task: normalize.TaskAnalyze, Fatal: !opts.GenerateTests, Parallel: true})
		if opts.GenerateTests {
			p.Steps = append(p.Steps, Step{Name: "tests", Capability: CapabilityLLM, Task: normalize.TaskTests, Parallel: true})
		}
	case KindAudit:
		p.Steps = append(p.Steps,
			Step{Name: "static-audit", Capability: CapabilityStaticAudit, Task: normalize.TaskStaticAudit, Parallel: true},
			Step{Name: "ai-audit", Capability: CapabilityLLM, Task: normalize.TaskAudit, Parallel: true},
		)
		if opts.Collaborate {
			p.Steps = append(p.Steps, Step{Name: "collaborate", Capability: CapabilityCollaborate, Task: normalize.TaskCollaborate, Parallel: true})
		}
	case KindChat:
		p.Steps = append(p.Steps, Step{Name: "chat", Capability: CapabilityLLM, Task: normalize.TaskChat, Fatal: true})
	case KindDocs:
		p.Steps = append(p.Steps, Step{Name: "docs", Capability: CapabilityLLM, Task: normalize.TaskDocs, Fatal: true})
	case KindCompile:
		p.Steps = append(p.Steps, Step{Name: "compile", Capability: CapabilityCompile, Task: normalize.TaskCompile, Fatal: !opts.Deploy})
		if opts.Deploy {
			p.Steps = append(p.Steps, Step{Name: "deploy", Capability: CapabilityDeploy, Task: normalize.TaskDeploy, DependsOn: "compile"})
		}
	default:
		return Pipeline{}, xerrors.New(CodeClassificationFailed, fmt.Sprintf("不支持的请求类别 %q", req.Kind), xerrors.WithMetadata("kind", string(req.Kind)))
	}
	return p, nil
}

// Waves 把步骤分组为执行批次：同一批次内的步骤并发执行，批次之间按顺序执行。
// 并行步骤只有在依赖不在当前批次内时才会合并。
func (p Pipeline) Waves() [][]Step {
	var (
		waves   [][]Step
		current []Step
		names   = make(map[string]struct{})
	)
	flush := func() {
		if len(current) > 0 {
			waves = append(waves, current)
		}
		current = nil
		names = make(map[string]struct{})
	}
	for _, step := range p.Steps {
		_, depInWave := names[step.DependsOn]
		if !step.Parallel || depInWave {
			flush()
			if !step.Parallel {
				waves = append(waves, []Step{step})
				continue
			}
		}
		current = append(current, step)
		names[step.Name] = struct{}{}
	}
	flush()
	return waves
}
