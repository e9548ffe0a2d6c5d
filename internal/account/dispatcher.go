package account

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AegisVault/internal/errors"
)

// Execute 调度一个批次。调用者必须是账户自身或入口网关；
// 通过执行器模块发起的调用走 ExecuteFromExecutor。
func (e *Engine) Execute(caller, account common.Address, mode Mode, batch []Invocation) ([]InvocationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.authorizedCaller(account, caller) {
		return nil, ErrUnauthorizedCaller
	}
	acct, ok := e.accounts[account]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return e.executeLocked(acct, caller, mode, batch)
}

// ExecuteFromExecutor 是执行器模块的独立授权路径：绑定存在即放行，
// 绕过主验证器，但仍然被钩子管道包裹。
func (e *Engine) ExecuteFromExecutor(executor, account common.Address, batch []Invocation) ([]InvocationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[account]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if _, installed := acct.Executors[executor]; !installed {
		return nil, ErrModuleNotInstalled
	}
	mode := Mode{Call: CallTypeSingle, Exec: ExecTypeDefault}
	if len(batch) > 1 {
		mode.Call = CallTypeBatch
	}
	return e.executeLocked(acct, executor, mode, batch)
}

// executeLocked 按模式语义执行批次，并用钩子管道包裹。
// 调用方必须持有引擎锁。
func (e *Engine) executeLocked(acct *Account, caller common.Address, mode Mode, batch []Invocation) ([]InvocationResult, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if mode.Call == CallTypeSingle && len(batch) != 1 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "single 模式要求恰好一个调用")
	}
	if len(batch) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "批次不能为空")
	}

	totalValue := new(big.Int)
	for _, inv := range batch {
		if inv.Value != nil {
			totalValue.Add(totalValue, inv.Value)
		}
	}

	hook, hooked := e.hookLocked(acct)
	var preContext []byte
	if hooked {
		ctxBytes, err := hook.PreCheck(e, acct.Address, caller, totalValue, batch)
		if err != nil {
			return nil, xerrors.Wrap(CodeHookVeto, err, "")
		}
		preContext = ctxBytes
	}

	if mode.Static() {
		results := make([]InvocationResult, 0, len(batch))
		for _, inv := range batch {
			output, err := e.invokeLocked(acct, inv, true)
			if err != nil {
				return nil, xerrors.Wrap(CodeBatchAborted, err, "只读批次失败")
			}
			results = append(results, InvocationResult{Success: true, Output: output})
		}
		if hooked {
			if err := hook.PostCheck(e, acct.Address, preContext); err != nil {
				return nil, xerrors.Wrap(CodeHookVeto, err, "钩子后置检查失败")
			}
		}
		return results, nil
	}

	outer := e.ledger.Snapshot()
	results := make([]InvocationResult, 0, len(batch))

	switch mode.Exec {
	case ExecTypeDefault:
		for _, inv := range batch {
			output, err := e.invokeLocked(acct, inv, false)
			if err != nil {
				e.ledger.RevertTo(outer)
				return nil, xerrors.Wrap(CodeBatchAborted, err, "")
			}
			results = append(results, InvocationResult{Success: true, Output: output})
		}
	case ExecTypeTry:
		// try 语义：逐项捕获失败，批次整体继续。
		for _, inv := range batch {
			inner := e.ledger.Snapshot()
			output, err := e.invokeLocked(acct, inv, false)
			if err != nil {
				e.ledger.RevertTo(inner)
				results = append(results, InvocationResult{Success: false, Err: err.Error()})
				continue
			}
			e.ledger.Discard(inner)
			results = append(results, InvocationResult{Success: true, Output: output})
		}
	}

	if hooked {
		if err := hook.PostCheck(e, acct.Address, preContext); err != nil {
			// 后置检查失败回滚整个原子单元，包括已执行的批次。
			e.ledger.RevertTo(outer)
			return nil, xerrors.Wrap(CodeHookVeto, err, "钩子后置检查失败")
		}
	}
	e.ledger.Discard(outer)
	return results, nil
}

// invokeLocked 执行单个调用：命中 fallback 绑定时路由给处理器，
// 否则交给账本的目标调用原语。
func (e *Engine) invokeLocked(acct *Account, inv Invocation, static bool) ([]byte, error) {
	if inv.Target == acct.Address && len(inv.Data) >= 4 {
		if binding, ok := acct.Fallbacks[SelectorOf(inv.Data)]; ok {
			module, deployed := e.modules[binding.Identity]
			if !deployed {
				return nil, ErrModuleNotInstalled
			}
			handler, isHandler := module.(FallbackHandler)
			if !isHandler {
				return nil, ErrInvalidModule
			}
			if static && inv.Value != nil && inv.Value.Sign() > 0 {
				return nil, ErrStaticMutation
			}
			return handler.HandleFallback(e, acct.Address, acct.Address, inv.Value, inv.Data)
		}
	}
	return e.ledger.Call(acct.Address, inv.Target, inv.Value, inv.Data, static)
}
