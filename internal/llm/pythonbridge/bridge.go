package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"HiveMind-Copilot/internal/llm"
)

const defaultTimeout = 120 * time.Second

// Config 描述 Python 推理脚本的调用方式。
type Config struct {
	ID         string
	PythonExec string
	ScriptPath string
	WorkingDir string
	Timeout    time.Duration
}

// Client 通过调用 Python 脚本实现本地推理。脚本从 stdin 读取 JSON，
// 向 stdout 输出 {"text": ..., "tokens_used": ...}。
type Client struct {
	id         string
	pythonExec string
	scriptPath string
	workingDir string
	timeout    time.Duration
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(cfg Config) (*Client, error) {
	if cfg.ScriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	c := &Client{
		id:         cfg.ID,
		pythonExec: cfg.PythonExec,
		scriptPath: ResolveScriptPath(cfg.WorkingDir, cfg.ScriptPath),
		workingDir: cfg.WorkingDir,
		timeout:    cfg.Timeout,
	}
	if c.id == "" {
		c.id = "python-bridge"
	}
	if c.pythonExec == "" {
		c.pythonExec = "python3"
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c, nil
}

func (c *Client) ID() string     { return c.id }
func (c *Client) Tier() llm.Tier { return llm.TierLocal }

// Invoke 调用外部脚本，并解析输出。
func (c *Client) Invoke(ctx context.Context, req llm.Request) (*llm.Result, error) {
	encoded, err := json.Marshal(map[string]any{
		"system":     req.System,
		"prompt":     req.Prompt,
		"max_tokens": req.MaxTokens,
		"purpose":    string(req.Purpose),
	})
	if err != nil {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	command := exec.CommandContext(callCtx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)
	command.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	start := time.Now()
	if err := command.Run(); err != nil {
		if callCtx.Err() != nil {
			return nil, llm.NewError(c.id, llm.KindTimeout, callCtx.Err())
		}
		return nil, llm.NewError(c.id, llm.KindUnavailable,
			fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String())))
	}

	var resp struct {
		Text       string `json:"text"`
		TokensUsed int    `json:"tokens_used"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, fmt.Errorf("解析 Python 输出失败: %w", err))
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, llm.NewError(c.id, llm.KindInvalidResponse, errors.New("Python 输出为空"))
	}

	return &llm.Result{
		Text:       strings.TrimSpace(resp.Text),
		TokensUsed: resp.TokensUsed,
		LatencyMs:  llm.Since(start),
		ProviderID: c.id,
		Raw:        json.RawMessage(bytes.TrimSpace(stdout.Bytes())),
	}, nil
}

// Ping 检查解释器与脚本是否存在。
func (c *Client) Ping(ctx context.Context) error {
	if _, err := exec.LookPath(c.pythonExec); err != nil {
		return llm.NewError(c.id, llm.KindUnavailable, err)
	}
	if _, err := os.Stat(c.scriptPath); err != nil {
		return llm.NewError(c.id, llm.KindUnavailable, err)
	}
	return nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
