package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"HiveMind-Copilot/internal/llm"
)

const (
	defaultBaseURL   = "https://api.groq.com/openai/v1"
	defaultModelName = "llama3-8b-8192"
	defaultCodeModel = "llama3-70b-8192"
	defaultTimeout   = 30 * time.Second
	defaultID        = "hosted"
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	CodeModel string
	Timeout   time.Duration
	// RateLimit 为每秒允许的请求数，<=0 表示不限制。
	RateLimit float64
	Burst     int
}

// Client 通过 HTTP 调用托管的大模型服务。
type Client struct {
	id         string
	apiKey     string
	baseURL    string
	model      string
	codeModel  string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewClient 根据配置创建托管推理客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供托管推理服务的 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	codeModel := strings.TrimSpace(cfg.CodeModel)
	if codeModel == "" {
		codeModel = defaultCodeModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = defaultID
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		id:         id,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		codeModel:  codeModel,
		timeout:    timeout,
		limiter:    limiter,
		httpClient: &http.Client{},
	}, nil
}

// ID 实现 llm.Adapter。
func (c *Client) ID() string { return c.id }

// Tier 实现 llm.Adapter。
func (c *Client) Tier() llm.Tier { return llm.TierHosted }

// Invoke 调用 chat/completions 接口，失败统一返回 *llm.ProviderError。
func (c *Client) Invoke(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, llm.NewError(c.id, llm.KindRateLimited, errors.New("本地限流拒绝请求"))
	}

	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewError(c.id, llm.KindUnavailable, fmt.Errorf("构建请求失败: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewError(c.id, llm.TransportKind(callCtx, err), fmt.Errorf("请求托管推理服务失败: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, llm.NewError(c.id, llm.TransportKind(callCtx, err), fmt.Errorf("读取响应失败: %w", err))
	}
	if kind, failed := statusKind(resp.StatusCode); failed {
		return nil, llm.NewError(c.id, kind, fmt.Errorf("返回错误状态 %d: %s", resp.StatusCode, truncate(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, fmt.Errorf("解析响应失败: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, errors.New("响应中没有有效的 choices"))
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, errors.New("响应内容为空"))
	}

	return &llm.Result{
		Text:       content,
		TokensUsed: decoded.Usage.TotalTokens,
		LatencyMs:  llm.Since(start),
		ProviderID: c.id,
		Raw:        json.RawMessage(body),
	}, nil
}

// Ping 通过 /models 检查服务是否可达。
func (c *Client) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return llm.NewError(c.id, llm.TransportKind(callCtx, err), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if kind, failed := statusKind(resp.StatusCode); failed {
		return llm.NewError(c.id, kind, fmt.Errorf("健康检查返回状态 %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := make([]message, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, message{Role: "system", Content: system})
	}
	messages = append(messages, message{Role: "user", Content: req.Prompt})

	model := c.model
	if req.Purpose == llm.PurposeCode {
		model = c.codeModel
	}

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": 0.2,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}
	return encoded, nil
}

func statusKind(status int) (llm.ErrorKind, bool) {
	switch {
	case status < http.StatusBadRequest:
		return "", false
	case status == http.StatusTooManyRequests:
		return llm.KindRateLimited, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return llm.KindTimeout, true
	case status >= http.StatusInternalServerError,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound:
		return llm.KindUnavailable, true
	default:
		return llm.KindInvalidResponse, true
	}
}

func truncate(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		return text[:256] + "..."
	}
	return text
}
