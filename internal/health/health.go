// Package health aggregates readiness checks for the inference providers and
// the supporting infrastructure (task store, chain node). Checks run
// concurrently and each one is bounded by its own timeout.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"HiveMind-Copilot/internal/llm"
	"HiveMind-Copilot/internal/web3"
	"HiveMind-Copilot/pkg/logger"
)

// Status 取值 ok、degraded 或 unavailable。所有提供方都不可达时为 unavailable。
type Status string

const (
	StatusOK          Status = "ok"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Report 是 /healthz 返回的内容。
type Report struct {
	Status     Status              `json:"status"`
	Providers  map[string]bool     `json:"providers"`
	Components map[string]bool     `json:"components,omitempty"`
	Chain      *web3.ChainSnapshot `json:"chain,omitempty"`
	Errors     map[string]string   `json:"errors,omitempty"`
	CheckedAt  time.Time           `json:"checked_at"`
}

// Check 是一个附加组件探针。
type Check func(ctx context.Context) error

// Option 配置 Checker。
type Option func(*Checker)

// WithComponent 注册附加组件探针，例如任务存储。
func WithComponent(name string, check Check) Option {
	return func(c *Checker) {
		if name != "" && check != nil {
			c.components[name] = check
		}
	}
}

// WithChain 在报告中附带链快照，链不可达只记录错误，不影响整体状态。
func WithChain(client web3.Client) Option {
	return func(c *Checker) { c.chain = client }
}

// WithTimeout 设置单个探针的超时。
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Checker 并发执行所有探针。
type Checker struct {
	providers  []llm.Adapter
	components map[string]Check
	chain      web3.Client
	timeout    time.Duration
	log        *slog.Logger
}

// NewChecker 创建 Checker。
func NewChecker(providers []llm.Adapter, opts ...Option) *Checker {
	c := &Checker{
		components: make(map[string]Check),
		timeout:    3 * time.Second,
		log:        logger.Named("health"),
	}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check 执行一次检查。任一提供方或组件不可用时状态为 degraded，没有可用提供方时为 unavailable。
func (c *Checker) Check(ctx context.Context) Report {
	report := Report{
		Status:     StatusOK,
		Providers:  make(map[string]bool, len(c.providers)),
		Components: make(map[string]bool, len(c.components)),
		Errors:     make(map[string]string),
	}

	var mu sync.Mutex
	record := func(target map[string]bool, name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		target[name] = err == nil
		if err != nil {
			report.Errors[name] = err.Error()
			report.Status = StatusDegraded
		}
	}

	// 探针失败体现在报告中，不中断其他探针，因此 goroutine 总是返回 nil。
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.providers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			record(report.Providers, p.ID(), p.Ping(pctx))
			return nil
		})
	}
	for _, name := range sortedNames(c.components) {
		check := c.components[name]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			record(report.Components, name, check(cctx))
			return nil
		})
	}
	if c.chain != nil {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			snap, err := c.chain.FetchChainSnapshot(cctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors["chain"] = err.Error()
				return nil
			}
			report.Chain = &snap
			return nil
		})
	}
	_ = g.Wait()

	if len(c.providers) > 0 && !anyUp(report.Providers) {
		report.Status = StatusUnavailable
	}
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	if len(report.Components) == 0 {
		report.Components = nil
	}
	report.CheckedAt = time.Now().UTC()
	if report.Status != StatusOK {
		c.log.Warn("健康检查未通过", slog.Any("errors", report.Errors))
	}
	return report
}

func anyUp(results map[string]bool) bool {
	for _, up := range results {
		if up {
			return true
		}
	}
	return false
}

func sortedNames(m map[string]Check) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
