package hivemind

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request kinds understood by the server.
const (
	KindGenerate = "generate"
	KindAnalyze  = "analyze"
	KindAudit    = "audit"
	KindChat     = "chat"
	KindDocs     = "docs"
	KindCompile  = "compile"
)

// Attempt records a single provider invocation.
type Attempt struct {
	Provider  string `json:"provider"`
	Outcome   string `json:"outcome"`
	LatencyMs int64  `json:"latency_ms"`
}

// StepReport describes how one pipeline step ran.
type StepReport struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Attempts  []Attempt `json:"attempts"`
	Tokens    int       `json:"tokens"`
	Degraded  bool      `json:"degraded,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Warning is a recoverable step error absorbed by the server.
type Warning struct {
	Step    string `json:"step"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Source is a reference attached to an answer.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Result is the merged output of a request.
type Result struct {
	Summary         string            `json:"summary"`
	Code            string            `json:"code,omitempty"`
	Language        string            `json:"language,omitempty"`
	Tests           string            `json:"tests,omitempty"`
	Answer          string            `json:"answer,omitempty"`
	Analysis        map[string]any    `json:"analysis,omitempty"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities,omitempty"`
	ContractName    string            `json:"contract_name,omitempty"`
	Bytecode        string            `json:"bytecode,omitempty"`
	ABI             json.RawMessage   `json:"abi,omitempty"`
	CompileErrors   []string          `json:"errors,omitempty"`
	Deployment      json.RawMessage   `json:"deployment,omitempty"`
	Collaboration   json.RawMessage   `json:"collaboration,omitempty"`
	Sources         []Source          `json:"sources"`
	Confidence      float64           `json:"confidence"`
}

// Response is the outcome of a synchronous request.
type Response struct {
	RequestID string       `json:"request_id"`
	Kind      string       `json:"kind"`
	State     string       `json:"state"`
	Result    Result       `json:"result"`
	Warnings  []Warning    `json:"warnings"`
	Degraded  bool         `json:"degraded"`
	Steps     []StepReport `json:"steps"`
}

// Completed reports whether every step succeeded.
func (r *Response) Completed() bool {
	return r != nil && r.State == "completed"
}

// Options carries the per-request switches.
type Options map[string]any

// TaskSubmission is the payload required to enqueue a request.
type TaskSubmission struct {
	ID      string  `json:"id,omitempty"`
	Kind    string  `json:"kind"`
	Payload string  `json:"payload"`
	Options Options `json:"options,omitempty"`
}

// Task is the server view of a queued request.
type Task struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Payload    string    `json:"payload"`
	Options    Options   `json:"options,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Result     *Response `json:"result,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

// Terminal reports whether the task will not run again.
func (t Task) Terminal() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// TaskStats summarises the task store.
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListFilter narrows ListTasks. Zero values are omitted.
type ListFilter struct {
	Limit     int
	Offset    int
	Status    string
	Kind      string
	Since     time.Time
	Until     time.Time
	Ascending bool
	Query     string
}

// CollaborationRequest opens a standalone peer review. Kind defaults to audit
// and Counterparty to the server's configured peer.
type CollaborationRequest struct {
	Code            string `json:"code"`
	Counterparty    string `json:"counterparty,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Language        string `json:"language,omitempty"`
	ContractAddress string `json:"contract_address,omitempty"`
}

// Collaboration is the polled state of a peer session.
type Collaboration struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Session struct {
		ID            string    `json:"session_id"`
		CorrelationID string    `json:"correlation_id"`
		Counterparty  string    `json:"counterparty"`
		State         string    `json:"state"`
		OpenedAt      time.Time `json:"opened_at"`
		Deadline      time.Time `json:"deadline"`
		LateReplies   int       `json:"late_replies,omitempty"`
	} `json:"session"`
}

// Health is the server liveness report.
type Health struct {
	Status     string            `json:"status"`
	Providers  map[string]bool   `json:"providers"`
	Components map[string]bool   `json:"components,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// APIError represents a server side error.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("hivemind api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("hivemind api error (%d): %s", e.StatusCode, e.Message)
}
