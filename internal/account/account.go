package account

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AegisVault/internal/errors"
)

// ModuleType 表示账户可安装的能力类型。
type ModuleType uint8

const (
	ModuleTypeValidator ModuleType = 1
	ModuleTypeExecutor  ModuleType = 2
	ModuleTypeFallback  ModuleType = 3
	ModuleTypeHook      ModuleType = 4
)

// IsValidModuleType 检查给定的能力类型是否为支持的枚举值。
func IsValidModuleType(t ModuleType) bool {
	switch t {
	case ModuleTypeValidator, ModuleTypeExecutor, ModuleTypeFallback, ModuleTypeHook:
		return true
	default:
		return false
	}
}

// Selector 是回落处理器绑定使用的调用选择器。
type Selector [4]byte

// SelectorOf 取调用数据的前四个字节作为选择器。
func SelectorOf(data []byte) Selector {
	var sel Selector
	copy(sel[:], data)
	return sel
}

// ModuleBinding 描述一条已安装的能力绑定。
type ModuleBinding struct {
	Type     ModuleType     `json:"type"`
	Identity common.Address `json:"identity"`
	// Selector 仅对 fallback 绑定有意义。
	Selector    Selector `json:"selector,omitempty"`
	InstalledAt int64    `json:"installed_at"`
}

// Account 是一个可编程账户的聚合根。
// 不变量：任意时刻 Validator 恰好一个；全局 Hook 至多一个。
type Account struct {
	Address   common.Address
	Owner     common.Address
	Salt      common.Hash
	Validator common.Address
	Hook      common.Address
	Executors map[common.Address]ModuleBinding
	Fallbacks map[Selector]ModuleBinding
	CreatedAt int64
}

// Invocation 描述针对单个目标的一次调用。
type Invocation struct {
	Target common.Address `json:"target"`
	Value  *big.Int       `json:"value"`
	Data   []byte         `json:"data"`
}

// InvocationResult 保存单次调用的结果。try 语义下失败不会中止批次。
type InvocationResult struct {
	Success bool   `json:"success"`
	Output  []byte `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
}

var (
	// ErrAccountNotFound 表示指定账户未创建。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrModuleNotInstalled 表示请求的绑定不存在。
	ErrModuleNotInstalled = xerrors.New(CodeModuleNotInstalled, "module not installed")
	// ErrModuleInstalled 表示 (type, identity) 绑定已存在。
	ErrModuleInstalled = xerrors.New(CodeModuleInstalled, "module already installed")
	// ErrInvalidModule 表示模块身份为零值或未部署。
	ErrInvalidModule = xerrors.New(CodeInvalidModule, "invalid module identity")
	// ErrValidatorRequired 表示操作会让账户失去唯一的激活验证器。
	ErrValidatorRequired = xerrors.New(CodeValidatorRequired, "cannot remove the sole active validator")
	// ErrUnauthorizedCaller 表示调用者既不是账户自身也不是入口网关。
	ErrUnauthorizedCaller = xerrors.New(xerrors.CodeUnauthorized, "caller is not the account or the entry point")
	// ErrUnsupportedMode 表示模式描述符非法，包括永久不支持的 delegate 执行。
	ErrUnsupportedMode = xerrors.New(CodeUnsupportedMode, "unsupported execution mode")
	// ErrStaticMutation 表示只读模式下发生了状态写入。
	ErrStaticMutation = xerrors.New(CodeStaticMutation, "state mutation in static call")
	// ErrHookVeto 表示钩子前置检查拒绝了本次批次。
	ErrHookVeto = xerrors.New(CodeHookVeto, "hook pre-check rejected the batch")
)

const (
	CodeAccountNotFound    xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeModuleNotInstalled xerrors.Code = "MODULE_NOT_INSTALLED"
	CodeModuleInstalled    xerrors.Code = "MODULE_ALREADY_INSTALLED"
	CodeInvalidModule      xerrors.Code = "INVALID_MODULE"
	CodeValidatorRequired  xerrors.Code = "VALIDATOR_REQUIRED"
	CodeUnsupportedMode    xerrors.Code = "UNSUPPORTED_MODE"
	CodeStaticMutation     xerrors.Code = "STATIC_MUTATION"
	CodeHookVeto           xerrors.Code = "HOOK_VETO"
	CodeBatchAborted       xerrors.Code = "BATCH_ABORTED"
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:   "account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeModuleNotInstalled, xerrors.Attributes{
		Message:   "module not installed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeModuleInstalled, xerrors.Attributes{
		Message:   "module already installed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidModule, xerrors.Attributes{
		Message:   "invalid module identity",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeValidatorRequired, xerrors.Attributes{
		Message:   "sole active validator cannot be removed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeUnsupportedMode, xerrors.Attributes{
		Message:   "unsupported execution mode",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStaticMutation, xerrors.Attributes{
		Message:   "state mutation attempted in static call",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeHookVeto, xerrors.Attributes{
		Message:   "hook pre-check rejected the batch",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBatchAborted, xerrors.Attributes{
		Message:   "batch aborted and rolled back",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func cloneBinding(b ModuleBinding) ModuleBinding {
	return b
}

func cloneAccount(a *Account) *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Executors = make(map[common.Address]ModuleBinding, len(a.Executors))
	for k, v := range a.Executors {
		clone.Executors[k] = cloneBinding(v)
	}
	clone.Fallbacks = make(map[Selector]ModuleBinding, len(a.Fallbacks))
	for k, v := range a.Fallbacks {
		clone.Fallbacks[k] = cloneBinding(v)
	}
	return &clone
}
