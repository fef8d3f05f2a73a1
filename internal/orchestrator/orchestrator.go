package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"HiveMind-Copilot/internal/collab"
	"HiveMind-Copilot/internal/contracts"
	xerrors "HiveMind-Copilot/internal/errors"
	"HiveMind-Copilot/internal/knowledge"
	"HiveMind-Copilot/internal/llm"
	"HiveMind-Copilot/internal/normalize"
	"HiveMind-Copilot/internal/observability/metrics"
	"HiveMind-Copilot/internal/observability/tracing"
	"HiveMind-Copilot/internal/pipeline"
	"HiveMind-Copilot/pkg/logger"
)

// localDiscount 是本地推理结果的置信度折扣。
const localDiscount = 0.9

// Collaborator 是协作步骤依赖的会话能力。
type Collaborator interface {
	Open(ctx context.Context, counterparty string, payload json.RawMessage) (string, error)
	Await(ctx context.Context, sessionID string) (collab.PollResult, error)
}

// Deployer 把编译产物部署到链上。
type Deployer interface {
	Deploy(ctx context.Context, compiled *contracts.CompileResult, params contracts.DeployParams) (*contracts.Deployment, error)
}

var defaultTimeouts = map[pipeline.Kind]time.Duration{
	pipeline.KindGenerate: 120 * time.Second,
	pipeline.KindAnalyze:  90 * time.Second,
	pipeline.KindAudit:    120 * time.Second,
	pipeline.KindChat:     60 * time.Second,
	pipeline.KindDocs:     60 * time.Second,
	pipeline.KindCompile:  60 * time.Second,
}

// Engine 执行流水线。除构造时注入的客户端外不持有跨请求的可变状态。
type Engine struct {
	primary      llm.Adapter
	fallback     llm.Adapter
	compiler     contracts.Compiler
	auditor      contracts.Auditor
	deployer     Deployer
	collaborator Collaborator
	counterparty string
	knowledge    knowledge.Provider
	workers      int
	timeouts     map[pipeline.Kind]time.Duration
	log          *slog.Logger
}

// Option 配置 Engine。
type Option func(*Engine)

// WithCompiler 替换默认的内置编译器。
func WithCompiler(c contracts.Compiler) Option {
	return func(e *Engine) {
		if c != nil {
			e.compiler = c
		}
	}
}

// WithAuditor 替换默认的静态分析器。
func WithAuditor(a contracts.Auditor) Option {
	return func(e *Engine) {
		if a != nil {
			e.auditor = a
		}
	}
}

// WithDeployer 启用部署步骤。
func WithDeployer(d Deployer) Option {
	return func(e *Engine) { e.deployer = d }
}

// WithCollaborator 启用协作步骤，counterparty 是默认的对端代理。
func WithCollaborator(c Collaborator, counterparty string) Option {
	return func(e *Engine) {
		e.collaborator = c
		e.counterparty = counterparty
	}
}

// WithKnowledge 为文档查询提供检索来源。
func WithKnowledge(k knowledge.Provider) Option {
	return func(e *Engine) { e.knowledge = k }
}

// WithWorkers 设置并行步骤的并发上限。
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTimeout 设置某类请求的整体时间上限。
func WithTimeout(kind pipeline.Kind, d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeouts[kind] = d
		}
	}
}

// New 创建 Engine。fallback 可以为 nil，此时不做降级重试。
func New(primary, fallback llm.Adapter, opts ...Option) (*Engine, error) {
	if primary == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "必须配置主推理提供方")
	}
	e := &Engine{
		primary:  primary,
		fallback: fallback,
		compiler: contracts.NewBuiltinCompiler(),
		auditor:  contracts.NewStaticAnalyzer(),
		workers:  4,
		timeouts: make(map[pipeline.Kind]time.Duration, len(defaultTimeouts)),
		log:      logger.Named("orchestrator"),
	}
	for kind, d := range defaultTimeouts {
		e.timeouts[kind] = d
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Providers 返回按优先级排列的推理提供方。
func (e *Engine) Providers() []llm.Adapter {
	if e.fallback == nil {
		return []llm.Adapter{e.primary}
	}
	return []llm.Adapter{e.primary, e.fallback}
}

func (e *Engine) timeoutFor(kind pipeline.Kind) time.Duration {
	if d, ok := e.timeouts[kind]; ok {
		return d
	}
	return 60 * time.Second
}

type stepOutcome struct {
	index      int
	result     *normalize.CanonicalResult
	attempts   []Attempt
	tokens     int
	sessionID  string
	err        error
	degraded   bool
	degradeErr error
}

// run 保存一次执行的全部步骤状态，只在 Execute 所在的 goroutine 中修改。
type run struct {
	req      pipeline.Request
	p        pipeline.Pipeline
	reports  []StepReport
	results  []*normalize.CanonicalResult
	warnings [][]Warning
	degraded bool
}

func newRun(req pipeline.Request, p pipeline.Pipeline) *run {
	r := &run{
		req:      req,
		p:        p,
		reports:  make([]StepReport, len(p.Steps)),
		results:  make([]*normalize.CanonicalResult, len(p.Steps)),
		warnings: make([][]Warning, len(p.Steps)),
	}
	for i, step := range p.Steps {
		r.reports[i] = StepReport{Name: step.Name, State: StepPending, Attempts: []Attempt{}}
	}
	return r
}

func (r *run) warn(idx int, code xerrors.Code, message string) {
	r.warnings[idx] = append(r.warnings[idx], Warning{Step: r.p.Steps[idx].Name, Code: string(code), Message: message})
}

func (r *run) skip(idx int, code xerrors.Code, message string) {
	r.reports[idx].State = StepSkipped
	r.degraded = true
	r.warn(idx, code, message)
}

// record 应用步骤结果，致命失败时返回流水线错误。
func (r *run) record(out stepOutcome) error {
	step := r.p.Steps[out.index]
	rep := &r.reports[out.index]
	rep.Attempts = append(rep.Attempts, out.attempts...)
	rep.Tokens = out.tokens
	rep.SessionID = out.sessionID

	if out.err == nil {
		rep.State = StepSucceeded
		r.results[out.index] = out.result
		if out.degraded {
			rep.Degraded = true
			r.degraded = true
			r.warn(out.index, xerrors.CodeOf(out.degradeErr), out.degradeErr.Error())
		}
		return nil
	}

	code := stepCode(out.err)
	if step.Fatal {
		rep.State = StepFailed
		r.warn(out.index, code, out.err.Error())
		return xerrors.Wrap(CodePipelineFailed, out.err, fmt.Sprintf("步骤 %s 失败", step.Name),
			xerrors.WithMetadata("step", step.Name),
			xerrors.WithMetadata("step_code", string(code)),
			xerrors.WithMetadata("request_id", r.req.ID))
	}
	r.skip(out.index, code, out.err.Error())
	return nil
}

// abandon 把超时时尚未结束的步骤标记为跳过。
func (r *run) abandon(ceiling time.Duration) {
	for i := range r.reports {
		switch r.reports[i].State {
		case StepPending, StepRunning:
			r.skip(i, CodePipelineTimeout, fmt.Sprintf("超过 %s 的时间上限，步骤被放弃", ceiling))
		}
	}
}

func (r *run) response() *Response {
	resp := &Response{
		RequestID: r.req.ID,
		Kind:      r.req.Kind,
		State:     StateCompleted,
		Result:    merge(r.results),
		Warnings:  []Warning{},
		Degraded:  r.degraded,
		Steps:     r.reports,
	}
	for i, rep := range r.reports {
		resp.Warnings = append(resp.Warnings, r.warnings[i]...)
		switch rep.State {
		case StepFailed:
			resp.State = StateFailed
		case StepSkipped:
			if resp.State != StateFailed {
				resp.State = StatePartiallyCompleted
			}
		}
	}
	return resp
}

func stepCode(err error) xerrors.Code {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return perr.Kind.Code()
	}
	return xerrors.CodeOf(err)
}

// Execute 对请求进行分类并执行流水线。分类失败与致命步骤失败以错误返回；
// 可恢复的失败记录在响应的 warnings 中。
func (e *Engine) Execute(ctx context.Context, req pipeline.Request) (*Response, error) {
	p, err := pipeline.Classify(req)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Tracer().Start(ctx, "pipeline."+string(req.Kind), trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.kind", string(req.Kind)),
	))
	defer span.End()

	start := time.Now()
	ceiling := e.timeoutFor(req.Kind)
	runCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	r := newRun(req, p)
	var fatal error
	for _, wave := range p.Waves() {
		if runCtx.Err() != nil {
			break
		}
		if fatal = e.runWave(runCtx, r, wave); fatal != nil {
			break
		}
	}

	if fatal == nil && runCtx.Err() != nil {
		if cerr := xerrors.FromContext(ctx.Err(), "请求已中断", xerrors.WithMetadata("request_id", req.ID)); cerr != nil {
			outcome := strings.ToLower(string(cerr.Code()))
			metrics.ObservePipeline(string(req.Kind), outcome, time.Since(start))
			span.SetStatus(codes.Error, outcome)
			return nil, cerr
		}
		r.abandon(ceiling)
		e.log.Warn("流水线超时", "request_id", req.ID, "kind", req.Kind, "ceiling", ceiling)
	}

	resp := r.response()
	for _, rep := range resp.Steps {
		metrics.ObserveStep(rep.Name, string(rep.State))
	}
	metrics.ObservePipeline(string(req.Kind), string(resp.State), time.Since(start))
	logger.Audit().Info("request_finished",
		slog.String("request_id", req.ID),
		slog.String("kind", string(req.Kind)),
		slog.String("state", string(resp.State)),
		slog.Int("warnings", len(resp.Warnings)),
		slog.Bool("degraded", resp.Degraded),
	)

	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, "pipeline failed")
		e.log.Error("流水线失败", "request_id", req.ID, "kind", req.Kind, "error", fatal)
		return nil, fatal
	}
	span.SetAttributes(attribute.String("pipeline.state", string(resp.State)), attribute.Bool("pipeline.degraded", resp.Degraded))
	return resp, nil
}

// runWave 并发执行一批步骤。ctx 结束时直接返回，未完成的步骤被放弃，
// 它们的结果写入带缓冲的通道后被丢弃。
func (e *Engine) runWave(ctx context.Context, r *run, wave []pipeline.Step) error {
	inputs := make([]stepInput, 0, len(wave))
	for _, step := range wave {
		idx := r.p.Index(step.Name)
		in := stepInput{index: idx, req: r.req, step: step}
		if step.DependsOn != "" {
			dep := r.p.Index(step.DependsOn)
			if dep < 0 || r.reports[dep].State != StepSucceeded || r.reports[dep].Degraded || r.results[dep] == nil {
				r.skip(idx, CodeDependencySkipped, fmt.Sprintf("依赖步骤 %s 未成功", step.DependsOn))
				continue
			}
			in.dependency = r.results[dep]
		}
		if step.Task == normalize.TaskDocs && e.knowledge != nil {
			in.references = e.knowledge.Query(r.req.Payload, r.req.Options.MaxResults)
		}
		r.reports[idx].State = StepRunning
		inputs = append(inputs, in)
	}
	if len(inputs) == 0 {
		return nil
	}

	outcomes := make(chan stepOutcome, len(inputs))
	go func() {
		var g errgroup.Group
		g.SetLimit(e.workers)
		for _, in := range inputs {
			g.Go(func() error {
				outcomes <- e.runStep(ctx, in)
				return nil
			})
		}
		_ = g.Wait()
	}()

	var fatal error
	for pending := len(inputs); pending > 0; pending-- {
		select {
		case out := <-outcomes:
			if out.err != nil && ctx.Err() != nil {
				continue
			}
			if err := r.record(out); err != nil && fatal == nil {
				fatal = err
			}
		case <-ctx.Done():
			return fatal
		}
	}
	return fatal
}

func (e *Engine) runStep(ctx context.Context, in stepInput) stepOutcome {
	out := stepOutcome{index: in.index}
	if err := ctx.Err(); err != nil {
		out.err = err
		return out
	}
	ctx, span := tracing.Tracer().Start(ctx, "step."+in.step.Name, trace.WithAttributes(
		attribute.String("step.capability", string(in.step.Capability)),
	))
	defer span.End()

	switch in.step.Capability {
	case pipeline.CapabilityLLM:
		e.runLLM(ctx, in, &out)
	case pipeline.CapabilityStaticAudit:
		e.runStaticAudit(ctx, in, &out)
	case pipeline.CapabilityCompile:
		e.runCompile(ctx, in, &out)
	case pipeline.CapabilityDeploy:
		e.runDeploy(ctx, in, &out)
	case pipeline.CapabilityCollaborate:
		e.runCollaborate(ctx, in, &out)
	default:
		out.err = xerrors.New(CodeCapabilityUnavailable, fmt.Sprintf("未知能力 %s", in.step.Capability))
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, string(stepCode(out.err)))
	}
	return out
}

// complete 先调用主提供方，遇到瞬时失败时对备用提供方重试一次。
func (e *Engine) complete(ctx context.Context, step string, req llm.Request) (*llm.Result, llm.Tier, []Attempt, error) {
	var (
		attempts []Attempt
		lastErr  error
	)
	for i, adapter := range e.Providers() {
		start := time.Now()
		res, err := adapter.Invoke(ctx, req)
		elapsed := time.Since(start)
		if err == nil {
			attempts = append(attempts, Attempt{Provider: adapter.ID(), Outcome: OutcomeOK, LatencyMs: elapsed.Milliseconds()})
			metrics.ObserveProviderCall(adapter.ID(), OutcomeOK, elapsed)
			return res, adapter.Tier(), attempts, nil
		}

		kind := llm.KindOf(err)
		attempts = append(attempts, Attempt{Provider: adapter.ID(), Outcome: string(kind), LatencyMs: elapsed.Milliseconds()})
		metrics.ObserveProviderCall(adapter.ID(), string(kind), elapsed)
		lastErr = err

		if !llm.Transient(err) || ctx.Err() != nil {
			break
		}
		if i == 0 && e.fallback != nil {
			metrics.ObserveFallback(step)
			e.log.Warn("主提供方调用失败，切换到备用提供方", "step", step, "provider", adapter.ID(), "kind", kind)
		}
	}
	return nil, "", attempts, lastErr
}

func (e *Engine) runLLM(ctx context.Context, in stepInput, out *stepOutcome) {
	res, tier, attempts, err := e.complete(ctx, in.step.Name, buildPrompt(in))
	out.attempts = attempts
	if err != nil {
		out.err = llm.AsCoded(err)
		return
	}
	out.tokens = res.TokensUsed

	canon, nerr := normalize.Normalize(in.step.Task, res)
	if nerr != nil {
		degrade(out, normalize.Partial(in.step.Task, res.Text), nerr)
		return
	}
	if tier == llm.TierLocal {
		canon.Confidence *= localDiscount
	}
	if in.step.Task == normalize.TaskDocs {
		canon.Sources = append(canon.Sources, referenceSources(in.references)...)
	}
	out.result = &canon
}

func degrade(out *stepOutcome, partial normalize.CanonicalResult, cause error) {
	out.result = &partial
	out.degraded = true
	out.degradeErr = cause
}

func referenceSources(refs []knowledge.Snippet) []normalize.Source {
	out := make([]normalize.Source, 0, len(refs))
	for _, ref := range refs {
		out = append(out, normalize.Source{Title: ref.Title, URL: ref.URL, Snippet: ref.Content})
	}
	return out
}

func (e *Engine) runStaticAudit(ctx context.Context, in stepInput, out *stepOutcome) {
	res, err := e.auditor.Audit(ctx, in.code())
	if err != nil {
		out.err = err
		return
	}
	canon := normalize.FromAudit(res)
	out.result = &canon
}

func (e *Engine) runCompile(ctx context.Context, in stepInput, out *stepOutcome) {
	opts := in.req.Options
	res, err := e.compiler.Compile(ctx, contracts.CompileRequest{
		Code:          in.code(),
		ContractName:  opts.ContractName,
		Optimize:      opts.Optimize,
		OptimizerRuns: opts.OptimizerRuns,
	})
	if err != nil {
		if _, coded := xerrors.From(err); !coded {
			err = xerrors.Wrap(contracts.CodeCompileFailed, err, "编译器调用失败")
		}
		out.err = err
		return
	}
	if !res.Success {
		out.err = xerrors.New(contracts.CodeCompileFailed, strings.Join(res.Errors, "; "))
		return
	}
	canon, nerr := normalize.FromCompile(res)
	if nerr != nil {
		degrade(out, normalize.Partial(normalize.TaskCompile, "compiler output failed validation"), nerr)
		return
	}
	out.result = &canon
}

func (e *Engine) runDeploy(ctx context.Context, in stepInput, out *stepOutcome) {
	if e.deployer == nil {
		out.err = xerrors.New(CodeCapabilityUnavailable, "未配置部署账户")
		return
	}
	if in.dependency == nil || in.dependency.Fields.Compile == nil {
		out.err = xerrors.New(CodeDependencySkipped, "缺少编译产物")
		return
	}
	opts := in.req.Options
	params := contracts.DeployParams{ConstructorArgs: opts.ConstructorParams, GasLimit: opts.GasLimit}
	if opts.ValueWei != "" {
		params.Value, _ = new(big.Int).SetString(opts.ValueWei, 10)
	}
	dep, err := e.deployer.Deploy(ctx, in.dependency.Fields.Compile, params)
	if err != nil {
		out.err = err
		return
	}
	canon := normalize.FromDeployment(dep)
	out.result = &canon
}

func (e *Engine) runCollaborate(ctx context.Context, in stepInput, out *stepOutcome) {
	if e.collaborator == nil {
		out.err = xerrors.New(CodeCapabilityUnavailable, "未配置协作通道")
		return
	}
	counterparty := in.req.Options.Counterparty
	if counterparty == "" {
		counterparty = e.counterparty
	}
	payload, err := json.Marshal(map[string]string{
		"kind":     string(in.req.Kind),
		"code":     in.code(),
		"language": language(in.req.Options),
	})
	if err != nil {
		out.err = err
		return
	}

	start := time.Now()
	sessionID, err := e.collaborator.Open(ctx, counterparty, payload)
	if err != nil {
		metrics.ObserveCollaboration("failed")
		out.err = err
		return
	}
	out.sessionID = sessionID
	res, err := e.collaborator.Await(ctx, sessionID)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		outcome := strings.ToLower(string(xerrors.CodeOf(err)))
		metrics.ObserveCollaboration(outcome)
		out.attempts = []Attempt{{Provider: counterparty, Outcome: outcome, LatencyMs: elapsed}}
		out.err = err
		return
	}
	metrics.ObserveCollaboration(string(res.Status))
	out.attempts = []Attempt{{Provider: counterparty, Outcome: OutcomeOK, LatencyMs: elapsed}}

	canon, nerr := normalize.FromCollaboration(counterparty, sessionID, res.Payload)
	if nerr != nil {
		degrade(out, normalize.Partial(normalize.TaskCollaborate, string(res.Payload)), nerr)
		return
	}
	out.result = &canon
}
