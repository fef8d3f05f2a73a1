package contracts

import (
	"context"
	"encoding/json"
	"net/http"

	xerrors "HiveMind-Copilot/internal/errors"
)

// CodeCompileFailed 表示编译没有产出可用结果。
const CodeCompileFailed xerrors.Code = "COMPILE_PIPELINE_FAILED"

// CodeDeployFailed 表示合约部署失败。
const CodeDeployFailed xerrors.Code = "DEPLOY_FAILED"

func init() {
	xerrors.Register(CodeCompileFailed, xerrors.Attributes{Message: "contract compilation failed", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusUnprocessableEntity})
	xerrors.Register(CodeDeployFailed, xerrors.Attributes{Message: "contract deployment failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusBadGateway})
}

// CompileRequest 描述一次编译调用。
type CompileRequest struct {
	Code          string
	ContractName  string
	Optimize      bool
	OptimizerRuns int
}

// CompileResult 是编译输出。校验失败时 Success 为 false，错误信息在 Errors 中，
// 不通过 error 返回。
type CompileResult struct {
	Success      bool            `json:"success"`
	ContractName string          `json:"contract_name,omitempty"`
	Bytecode     string          `json:"bytecode,omitempty"`
	ABI          json.RawMessage `json:"abi,omitempty"`
	Errors       []string        `json:"errors"`
	Warnings     []string        `json:"warnings"`
}

// Compiler 把 Solidity 源码转换为字节码和 ABI。返回 error 仅代表编译器本身不可用。
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (*CompileResult, error)
}

// Severity 是审计发现的等级。
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank 返回等级的排序权重，越大越严重。
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Finding 是静态分析规则的一次命中。
type Finding struct {
	Rule           string   `json:"rule"`
	Severity       Severity `json:"severity"`
	Line           int      `json:"line"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Vulnerability 是面向用户的漏洞描述。
type Vulnerability struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Severity       Severity `json:"severity"`
	Location       string   `json:"location,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// AuditResult 汇总静态分析输出。
type AuditResult struct {
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Findings        []Finding       `json:"findings"`
}

// Auditor 对源码执行安全检查。
type Auditor interface {
	Audit(ctx context.Context, code string) (*AuditResult, error)
}

// PeerReport 是协作代理之间交换的审计摘要。
type PeerReport struct {
	Vulnerabilities []string `json:"vulnerabilities"`
	Severity        string   `json:"severity"`
	Recommendations []string `json:"recommendations"`
}

// PeerReport 把审计结果压缩为协作消息格式。
func (r *AuditResult) PeerReport() PeerReport {
	report := PeerReport{Vulnerabilities: []string{}, Severity: string(SeverityInfo), Recommendations: []string{}}
	if r == nil {
		return report
	}
	worst := SeverityInfo
	seen := make(map[string]struct{})
	for _, v := range r.Vulnerabilities {
		report.Vulnerabilities = append(report.Vulnerabilities, v.Name+": "+v.Description)
		if v.Severity.Rank() > worst.Rank() {
			worst = v.Severity
		}
		if v.Recommendation == "" {
			continue
		}
		if _, dup := seen[v.Recommendation]; dup {
			continue
		}
		seen[v.Recommendation] = struct{}{}
		report.Recommendations = append(report.Recommendations, v.Recommendation)
	}
	report.Severity = string(worst)
	return report
}

// Deployment 记录一次部署。
type Deployment struct {
	Network         string `json:"network"`
	ChainID         string `json:"chain_id"`
	ContractAddress string `json:"contract_address"`
	TransactionHash string `json:"transaction_hash"`
	Deployer        string `json:"deployer"`
}
