package oppool

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AegisVault/internal/errors"
	"AegisVault/pkg/logger"
)

// SubmitRequest 是外部提交操作的请求体。
type SubmitRequest struct {
	// ID 可选：携带时提交幂等，同一 ID 重复提交返回已有回执。
	ID        string      `json:"id,omitempty"`
	Account   string      `json:"account"`
	Nonce     uint64      `json:"nonce"`
	Mode      string      `json:"mode"`
	Batch     []BatchItem `json:"batch"`
	Signature string      `json:"signature"`
}

// Service 负责操作的提交与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造收件箱服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 校验请求形状，落库 pending 回执并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Operation, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "收件箱服务未初始化")
	}

	opID := strings.TrimSpace(req.ID)
	if opID != "" {
		existing, err := s.store.Get(ctx, opID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrOpNotFound) {
			return nil, err
		}
	} else {
		opID = uuid.NewString()
	}

	op := &Operation{
		ID:         opID,
		Account:    req.Account,
		Nonce:      req.Nonce,
		Mode:       req.Mode,
		Batch:      append([]BatchItem(nil), req.Batch...),
		Signature:  req.Signature,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	// 形状检查提前到提交时，畸形请求不进队列。
	if _, err := op.ToEngineOperation(); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, op); err != nil {
		if stdErrors.Is(err, ErrOpConflict) {
			existing, getErr := s.store.Get(ctx, opID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrOpNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, opID); err != nil {
		logger.L().Error("操作入队失败", slog.Any("error", err), slog.String("operation_id", opID))
		wrapped := xerrors.Wrap(CodeOpPublish, err, "发布操作到队列失败")
		_ = s.store.MarkFailed(ctx, opID, CodeOpPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("操作入队成功",
		slog.String("operation_id", opID),
		slog.String("account", op.Account),
		slog.Int("batch_size", len(op.Batch)),
		slog.Int("max_retries", op.MaxRetries),
	)
	return op, nil
}

// Get 返回指定操作的回执。
func (s *Service) Get(ctx context.Context, id string) (*Operation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合筛选条件的操作列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Operation, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合筛选条件的操作统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (PoolStats, error) {
	if s.store == nil {
		return PoolStats{}, xerrors.New(xerrors.CodeInitializationFailure, "操作存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询操作状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Status == StatusSucceeded || op.Status == StatusFailed {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
