package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "HiveMind-Copilot/internal/errors"
	"HiveMind-Copilot/internal/observability/alerting"
	"HiveMind-Copilot/internal/observability/metrics"
	"HiveMind-Copilot/internal/orchestrator"
	"HiveMind-Copilot/internal/pipeline"
	"HiveMind-Copilot/pkg/logger"
)

// Executor 是处理器所需的编排能力。
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*orchestrator.Response, error)
}

// Processor 负责从队列消费任务并交给编排引擎执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, d Delivery) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	taskID := d.TaskID
	metrics.ObserveQueueWait(d.Kind, d.Waited(time.Now()))
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID, Kind: d.Kind}, CodeTaskProcessing, err, "claim")
		return err
	}

	req, err := pipeline.NewRequest(task.Kind, task.Payload, cloneOptions(task.Options))
	if err != nil {
		return p.handleExecutionFailure(ctx, task, err)
	}
	req.ID = task.ID

	resp, execErr := p.executor.Execute(ctx, req)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, resp); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, NewDelivery(task)); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", task.ID))
		}
		return nil
	}
	metrics.ObserveTask(task.Kind, string(StatusSucceeded))
	logger.Audit().Info("task_succeeded",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("state", string(resp.State)),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

// retryable 判断失败是否值得重投。流水线失败取决于导致失败的步骤错误码。
func retryable(err error) bool {
	if coded, ok := xerrors.From(err); ok && coded.Code() == orchestrator.CodePipelineFailed {
		if stepCode := coded.Metadata()["step_code"]; stepCode != "" {
			return xerrors.AttributesOf(xerrors.Code(stepCode)).Retryable
		}
	}
	return xerrors.RetryableError(err)
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	canRetry := retryable(execErr)
	terminal := task.Attempts >= task.MaxRetries || !canRetry

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("task_failed",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		metrics.ObserveTask(task.Kind, string(StatusFailed))
		stage := "terminal"
		if !canRetry {
			stage = "non_retryable"
		}
		p.emitAlert(ctx, task, code, execErr, stage)
		return nil
	}

	metrics.ObserveTask(task.Kind, "retried")
	if pubErr := p.producer.Publish(ctx, NewDelivery(task)); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    xerrors.AttributesOf(code).Message,
		Severity:   xerrors.AttributesOf(code).Severity,
		TaskID:     task.ID,
		Kind:       task.Kind,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Metadata["cause"] = xerrors.MessageOf(cause)
		if _, coded := xerrors.From(cause); coded {
			event.Severity = xerrors.SeverityOf(cause)
		}
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID), slog.String("stage", stage))
	}
}
