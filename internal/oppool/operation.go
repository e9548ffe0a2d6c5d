package oppool

import (
	"encoding/hex"
	stdErrors "errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
)

// Status 表示操作在收件箱生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome 是批次中单个调用的落库结果。
type Outcome struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecutionRecord 保存一次操作执行的结果。
type ExecutionRecord struct {
	Validation string    `json:"validation"`
	Outcomes   []Outcome `json:"outcomes,omitempty"`
}

// BatchItem 是提交批次里的单个调用，字段均为可落库的字符串形式：
// 地址与 calldata 是 0x 前缀十六进制，金额是十进制。
type BatchItem struct {
	Target string `json:"target"`
	Value  string `json:"value,omitempty"`
	Data   string `json:"data,omitempty"`
}

// Operation 描述了排队执行的账户操作回执。
type Operation struct {
	ID         string           `json:"id"`
	Account    string           `json:"account"`
	Nonce      uint64           `json:"nonce"`
	Mode       string           `json:"mode"`
	Batch      []BatchItem      `json:"batch"`
	Signature  string           `json:"signature"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionRecord `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

var (
	// ErrOpNotFound 表示指定的操作不存在。
	ErrOpNotFound = xerrors.New(CodeOpNotFound, "operation not found")
	// ErrOpConflict 表示操作在当前状态下无法进行所请求的变更。
	ErrOpConflict = xerrors.New(CodeOpConflict, "operation conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOpCompleted 表示操作已经成功完成。
	ErrOpCompleted = xerrors.New(CodeOpCompleted, "operation already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrOpExhausted 表示操作的重试次数已经耗尽。
	ErrOpExhausted = xerrors.New(CodeOpExhausted, "operation retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeOpNotFound   xerrors.Code = "OP_NOT_FOUND"
	CodeOpConflict   xerrors.Code = "OP_CONFLICT"
	CodeOpCompleted  xerrors.Code = "OP_COMPLETED"
	CodeOpExhausted  xerrors.Code = "OP_RETRIES_EXHAUSTED"
	CodeOpValidation xerrors.Code = "OP_VALIDATION_FAILED"
	CodeOpRejected   xerrors.Code = "OP_REJECTED"
	CodeOpPublish    xerrors.Code = "OP_PUBLISH_FAILED"
	CodeOpProcessing xerrors.Code = "OP_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeOpNotFound, xerrors.Attributes{
		Message:  "operation not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeOpConflict, xerrors.Attributes{
		Message:  "operation conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeOpCompleted, xerrors.Attributes{
		Message:  "operation already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeOpExhausted, xerrors.Attributes{
		Message:  "operation retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeOpValidation, xerrors.Attributes{
		Message:  "operation validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeOpRejected, xerrors.Attributes{
		Message:  "operation rejected by account",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeOpPublish, xerrors.Attributes{
		Message:   "failed to publish operation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeOpProcessing, xerrors.Attributes{
		Message:   "operation execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsOpError 判断错误是否为指定的收件箱错误。
func IsOpError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeOpNotFound:
		return stdErrors.Is(err, ErrOpNotFound)
	case CodeOpConflict:
		return stdErrors.Is(err, ErrOpConflict)
	case CodeOpCompleted:
		return stdErrors.Is(err, ErrOpCompleted)
	case CodeOpExhausted:
		return stdErrors.Is(err, ErrOpExhausted)
	default:
		return false
	}
}

// IsValidStatus 检查给定的操作状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusExecuting, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneOperation(op *Operation) *Operation {
	clone := *op
	clone.Batch = append([]BatchItem(nil), op.Batch...)
	if op.Result != nil {
		recordCopy := *op.Result
		recordCopy.Outcomes = append([]Outcome(nil), op.Result.Outcomes...)
		clone.Result = &recordCopy
	}
	return &clone
}

// ToEngineOperation 把落库形式还原为引擎操作。字段非法时返回校验错误。
func (op *Operation) ToEngineOperation() (*account.Operation, error) {
	if !common.IsHexAddress(op.Account) {
		return nil, xerrors.New(CodeOpValidation, "账户地址非法")
	}
	mode, err := decodeModeString(op.Mode)
	if err != nil {
		return nil, err
	}
	batch := make([]account.Invocation, 0, len(op.Batch))
	for _, item := range op.Batch {
		inv, err := item.toInvocation()
		if err != nil {
			return nil, err
		}
		batch = append(batch, inv)
	}
	sig, err := decodeHexString(op.Signature)
	if err != nil {
		return nil, xerrors.New(CodeOpValidation, "信封编码非法")
	}
	return &account.Operation{
		Account:   common.HexToAddress(op.Account),
		Nonce:     op.Nonce,
		Mode:      mode,
		Batch:     batch,
		Signature: sig,
	}, nil
}

func (item BatchItem) toInvocation() (account.Invocation, error) {
	if !common.IsHexAddress(item.Target) {
		return account.Invocation{}, xerrors.New(CodeOpValidation, "调用目标地址非法")
	}
	value := new(big.Int)
	if item.Value != "" {
		parsed, ok := new(big.Int).SetString(item.Value, 10)
		if !ok || parsed.Sign() < 0 {
			return account.Invocation{}, xerrors.New(CodeOpValidation, "调用金额必须是非负十进制整数")
		}
		value = parsed
	}
	data, err := decodeHexString(item.Data)
	if err != nil {
		return account.Invocation{}, xerrors.New(CodeOpValidation, "calldata 编码非法")
	}
	return account.Invocation{
		Target: common.HexToAddress(item.Target),
		Value:  value,
		Data:   data,
	}, nil
}

func decodeModeString(raw string) (account.Mode, error) {
	data, err := decodeHexString(raw)
	if err != nil || len(data) != 2 {
		return account.Mode{}, xerrors.New(CodeOpValidation, "执行模式编码非法")
	}
	mode, err := account.DecodeMode(data)
	if err != nil {
		return account.Mode{}, xerrors.Wrap(CodeOpValidation, err, "")
	}
	return mode, nil
}

func decodeHexString(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, nil
	}
	return hex.DecodeString(raw)
}

// EncodeOutcomes 把引擎的调用结果转换为落库形式。
func EncodeOutcomes(results []account.InvocationResult) []Outcome {
	out := make([]Outcome, 0, len(results))
	for _, res := range results {
		outcome := Outcome{Success: res.Success, Error: res.Err}
		if len(res.Output) > 0 {
			outcome.Output = "0x" + hex.EncodeToString(res.Output)
		}
		out = append(out, outcome)
	}
	return out
}
