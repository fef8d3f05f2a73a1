package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"
)

// Tier 区分托管推理与本地推理。
type Tier string

const (
	TierHosted Tier = "hosted"
	TierLocal  Tier = "local"
)

// Purpose 决定适配器选用的模型：代码生成类任务使用代码模型。
type Purpose string

const (
	PurposeReason Purpose = "reason"
	PurposeCode   Purpose = "code"
)

// Request 描述一次补全调用。
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	Purpose   Purpose
}

// Result 是提供方返回的原始结果，尚未规范化。
type Result struct {
	Text       string          `json:"text"`
	TokensUsed int             `json:"tokens_used"`
	LatencyMs  int64           `json:"latency_ms"`
	ProviderID string          `json:"provider_id"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Adapter 是所有推理提供方的统一接口。实现必须可并发调用，
// 且每次调用都自行施加超时。
type Adapter interface {
	ID() string
	Tier() Tier
	Invoke(ctx context.Context, req Request) (*Result, error)
	Ping(ctx context.Context) error
}

// ErrorKind 是提供方失败的统一分类。
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindRateLimited     ErrorKind = "rate_limited"
	KindUnavailable     ErrorKind = "unavailable"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// ProviderError 描述一次失败的提供方调用。
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return e.Provider + ": " + string(e.Kind)
	}
	return e.Provider + ": " + string(e.Kind) + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient 报告该失败是否值得切换到备用提供方。
func (e *ProviderError) Transient() bool {
	return e.Kind != KindInvalidResponse
}

// NewError 构造 ProviderError。
func NewError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// KindOf 从错误链中提取失败分类；未知错误视为 unavailable。
func KindOf(err error) ErrorKind {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnavailable
}

// Transient 报告错误是否值得切换到备用提供方；非 ProviderError 按 unavailable 处理。
func Transient(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient()
	}
	return err != nil
}

// TransportKind 将调用阶段的错误映射为失败分类。ctx 是适配器内部带超时的上下文。
func TransportKind(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// Since 返回自 start 起经过的毫秒数。
func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
