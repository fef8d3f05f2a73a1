// Package ollama talks to a local Ollama daemon and serves as the local
// fallback tier.
package ollama

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

	"HiveMind-Copilot/internal/llm"
)

const (
	defaultBaseURL = "http://127.0.0.1:11434"
	defaultModel   = "llama3"
	defaultTimeout = 120 * time.Second
	defaultID      = "local"
)

// Config 描述本地推理服务。
type Config struct {
	ID        string
	BaseURL   string
	Model     string
	CodeModel string
	Timeout   time.Duration
}

// Client 调用 Ollama 的 /api/chat 接口（非流式）。
type Client struct {
	id         string
	baseURL    string
	model      string
	codeModel  string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient 创建本地推理客户端，缺省值指向本机 11434 端口。
func NewClient(cfg Config) *Client {
	c := &Client{
		id:         strings.TrimSpace(cfg.ID),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:      strings.TrimSpace(cfg.Model),
		codeModel:  strings.TrimSpace(cfg.CodeModel),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
	}
	if c.id == "" {
		c.id = defaultID
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.codeModel == "" {
		c.codeModel = c.model
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c
}

func (c *Client) ID() string     { return c.id }
func (c *Client) Tier() llm.Tier { return llm.TierLocal }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

// Invoke 发送一次对话补全。
func (c *Client) Invoke(ctx context.Context, req llm.Request) (*llm.Result, error) {
	body := chatRequest{Model: c.model, Stream: false}
	if req.Purpose == llm.PurposeCode {
		body.Model = c.codeModel
	}
	if system := strings.TrimSpace(req.System); system != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: system})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.MaxTokens > 0 {
		body.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(encoded))
	if err != nil {
		return nil, llm.NewError(c.id, llm.KindUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewError(c.id, llm.TransportKind(callCtx, err), fmt.Errorf("请求本地推理服务失败: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, llm.NewError(c.id, llm.TransportKind(callCtx, err), err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusNotFound {
		return nil, llm.NewError(c.id, llm.KindUnavailable, fmt.Errorf("本地推理服务返回状态 %d", resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, fmt.Errorf("本地推理服务返回状态 %d", resp.StatusCode))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, fmt.Errorf("解析本地推理响应失败: %w", err))
	}
	if decoded.Error != "" {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, errors.New(decoded.Error))
	}
	text := strings.TrimSpace(decoded.Message.Content)
	if text == "" {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, errors.New("本地推理响应为空"))
	}

	return &llm.Result{
		Text:       text,
		TokensUsed: decoded.PromptEvalCount + decoded.EvalCount,
		LatencyMs:  llm.Since(start),
		ProviderID: c.id,
		Raw:        json.RawMessage(raw),
	}, nil
}

// Ping 读取 /api/tags 判断守护进程是否在线。
func (c *Client) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return llm.NewError(c.id, llm.TransportKind(callCtx, err), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return llm.NewError(c.id, llm.KindUnavailable, fmt.Errorf("状态 %d", resp.StatusCode))
	}
	return nil
}
