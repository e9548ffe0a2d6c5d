package oppool

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
	"AegisVault/internal/observability/alerting"
	"AegisVault/pkg/logger"
)

// Engine 定义了处理器所需的引擎能力。
type Engine interface {
	ValidateOperation(op *account.Operation, missingFunds *big.Int) *big.Int
	Execute(caller, acct common.Address, mode account.Mode, batch []account.Invocation) ([]account.InvocationResult, error)
	EntryPoint() common.Address
	Now() time.Time
}

// Processor 负责从队列消费操作并交给引擎执行。
type Processor struct {
	engine      Engine
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
func NewProcessor(engine Engine, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:      engine,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动操作处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置操作消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, opID string) error {
	if p.store == nil || p.engine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	op, err := p.store.Claim(ctx, opID)
	if err != nil {
		if stdErrors.Is(err, ErrOpNotFound) || stdErrors.Is(err, ErrOpCompleted) || stdErrors.Is(err, ErrOpExhausted) {
			p.logDebug("跳过操作", slog.String("operation_id", opID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取操作失败", slog.Any("error", err), slog.String("operation_id", opID))
		p.emitAlert(ctx, &Operation{ID: opID}, CodeOpProcessing, err, "claim")
		return err
	}

	engineOp, decodeErr := op.ToEngineOperation()
	if decodeErr != nil {
		// 形状错误永远不会因重试变好。
		return p.handleExecutionFailure(ctx, op, decodeErr, true)
	}

	packed := p.engine.ValidateOperation(engineOp, nil)
	validation := account.UnpackValidation(packed)
	if validation.Failed {
		return p.handleExecutionFailure(ctx, op,
			xerrors.New(CodeOpRejected, "验证器拒绝该操作"), true)
	}
	now := uint64(p.engine.Now().Unix())
	if validation.ValidAfter > 0 && now < validation.ValidAfter {
		return p.handleExecutionFailure(ctx, op,
			xerrors.New(CodeOpRejected, "操作尚未进入有效窗口"), true)
	}
	if validation.ValidUntil > 0 && now >= validation.ValidUntil {
		return p.handleExecutionFailure(ctx, op,
			xerrors.New(CodeOpRejected, "操作已过有效窗口"), true)
	}

	results, execErr := p.engine.Execute(p.engine.EntryPoint(), engineOp.Account, engineOp.Mode, engineOp.Batch)
	if execErr != nil {
		// 账户侧拒绝（越权、钩子否决、批次中止）是确定性失败。
		return p.handleExecutionFailure(ctx, op, execErr, !xerrors.RetryableError(execErr))
	}

	record := ExecutionRecord{
		Validation: packed.String(),
		Outcomes:   EncodeOutcomes(results),
	}
	if err := p.store.MarkSucceeded(ctx, op.ID, record); err != nil {
		logger.L().Error("标记操作成功状态失败", slog.Any("error", err), slog.String("operation_id", op.ID))
		if storeErr := p.store.MarkFailed(ctx, op.ID, CodeOpProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("operation_id", op.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, op.ID); pubErr != nil {
			return xerrors.Wrap(CodeOpPublish, pubErr, fmt.Sprintf("操作 %s 在标记成功失败后重投失败", op.ID))
		}
		logger.Audit().Warn("操作标记成功失败后重试",
			slog.String("operation_id", op.ID),
			slog.String("account", op.Account),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Audit().Info("操作执行成功",
		slog.String("operation_id", op.ID),
		slog.String("account", op.Account),
		slog.Int("batch_size", len(op.Batch)),
	)
	return nil
}

// handleExecutionFailure 统一失败落库：terminal 失败永不重投，
// 可重试失败在额度内重新排队。
func (p *Processor) handleExecutionFailure(ctx context.Context, op *Operation, execErr error, deterministic bool) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeOpProcessing
	}
	retryable := !deterministic && xerrors.RetryableError(execErr)
	terminal := op.Attempts >= op.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, op.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记操作失败状态出错", slog.Any("error", storeErr), slog.String("operation_id", op.ID))
		return storeErr
	}
	logger.Audit().Warn("操作执行失败",
		slog.String("operation_id", op.ID),
		slog.String("account", op.Account),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", op.Attempts),
		slog.Int("max_retries", op.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	p.emitAlert(ctx, op, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, op.ID); pubErr != nil {
			return xerrors.Wrap(CodeOpPublish, pubErr, fmt.Sprintf("操作 %s 重投失败", op.ID))
		}
		p.logDebug("操作已重新排队", slog.String("operation_id", op.ID), slog.Int("attempts", op.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, op *Operation, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || op == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		OperationID: op.ID,
		Account:     op.Account,
		Attempts:    op.Attempts,
		MaxRetries:  op.MaxRetries,
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("operation_id", op.ID),
			slog.String("stage", stage),
		)
	}
}
