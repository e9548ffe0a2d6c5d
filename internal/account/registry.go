package account

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AegisVault/internal/errors"
	"AegisVault/pkg/logger"
)

// registryOp 是绑定表允许的两种迁移。
type registryOp uint8

const (
	opInstall registryOp = iota
	opUninstall
)

// InstallModule 为账户安装一条能力绑定。验证器安装始终是原子替换，
// 保证"恰好一个激活验证器"的不变量不存在空窗。
func (e *Engine) InstallModule(caller, account common.Address, moduleType ModuleType, identity common.Address, initData []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.authorizedCaller(account, caller) {
		return ErrUnauthorizedCaller
	}
	acct, ok := e.accounts[account]
	if !ok {
		return ErrAccountNotFound
	}
	if err := e.applyBinding(acct, opInstall, moduleType, identity, initData); err != nil {
		return err
	}
	logger.Security("module_installed", account.Hex(),
		slog.Int("module_type", int(moduleType)),
		slog.String("identity", identity.Hex()),
	)
	return nil
}

// UninstallModule 移除一条能力绑定。移除不存在的绑定或唯一的验证器
// 都会被拒绝，并且不产生任何状态变更。
func (e *Engine) UninstallModule(caller, account common.Address, moduleType ModuleType, identity common.Address, deinitData []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.authorizedCaller(account, caller) {
		return ErrUnauthorizedCaller
	}
	acct, ok := e.accounts[account]
	if !ok {
		return ErrAccountNotFound
	}
	if err := e.applyBinding(acct, opUninstall, moduleType, identity, deinitData); err != nil {
		return err
	}
	logger.Security("module_uninstalled", account.Hex(),
		slog.Int("module_type", int(moduleType)),
		slog.String("identity", identity.Hex()),
	)
	return nil
}

// IsModuleInstalled 是纯读取路径，供前端渲染安全状态。
// context 对 fallback 绑定承载选择器。
func (e *Engine) IsModuleInstalled(account common.Address, moduleType ModuleType, identity common.Address, context []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[account]
	if !ok {
		return false
	}
	switch moduleType {
	case ModuleTypeValidator:
		return acct.Validator == identity
	case ModuleTypeHook:
		return acct.Hook == identity
	case ModuleTypeExecutor:
		_, installed := acct.Executors[identity]
		return installed
	case ModuleTypeFallback:
		if len(context) < 4 {
			return false
		}
		binding, installed := acct.Fallbacks[SelectorOf(context)]
		return installed && binding.Identity == identity
	default:
		return false
	}
}

// applyBinding 是绑定表唯一的迁移函数；所有类型相关的不变量在此集中
// 检查一次。调用方必须持有引擎锁。
func (e *Engine) applyBinding(acct *Account, op registryOp, moduleType ModuleType, identity common.Address, data []byte) error {
	if !IsValidModuleType(moduleType) {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的能力类型")
	}
	if identity == (common.Address{}) {
		return ErrInvalidModule
	}

	switch op {
	case opInstall:
		module, deployed := e.modules[identity]
		if !deployed || module.Kind() != moduleType {
			return ErrInvalidModule
		}
		switch moduleType {
		case ModuleTypeValidator:
			if acct.Validator == identity {
				return ErrModuleInstalled
			}
			// 原子替换：先安装新验证器，确认其可用后才通知旧验证器
			// 卸载。任一步失败都整体回退，账户不会落在旧绑定配上
			// 已清空状态的中间态。
			if err := module.OnInstall(e, acct.Address, data); err != nil {
				return err
			}
			if previous, ok := e.modules[acct.Validator]; ok {
				if err := previous.OnUninstall(e, acct.Address, nil); err != nil {
					_ = module.OnUninstall(e, acct.Address, nil)
					return err
				}
			}
			acct.Validator = identity
		case ModuleTypeHook:
			if acct.Hook != (common.Address{}) {
				return ErrModuleInstalled
			}
			if err := module.OnInstall(e, acct.Address, data); err != nil {
				return err
			}
			acct.Hook = identity
		case ModuleTypeExecutor:
			if _, ok := acct.Executors[identity]; ok {
				return ErrModuleInstalled
			}
			if err := module.OnInstall(e, acct.Address, data); err != nil {
				return err
			}
			acct.Executors[identity] = ModuleBinding{
				Type:        moduleType,
				Identity:    identity,
				InstalledAt: e.clock().Unix(),
			}
		case ModuleTypeFallback:
			if len(data) < 4 {
				return xerrors.New(xerrors.CodeInvalidArgument, "fallback 绑定需要调用选择器")
			}
			selector := SelectorOf(data)
			if _, ok := acct.Fallbacks[selector]; ok {
				return ErrModuleInstalled
			}
			if err := module.OnInstall(e, acct.Address, data); err != nil {
				return err
			}
			acct.Fallbacks[selector] = ModuleBinding{
				Type:        moduleType,
				Identity:    identity,
				Selector:    selector,
				InstalledAt: e.clock().Unix(),
			}
		}
		return nil

	case opUninstall:
		switch moduleType {
		case ModuleTypeValidator:
			if acct.Validator != identity {
				return ErrModuleNotInstalled
			}
			// 验证器只能替换，不能移除。
			return ErrValidatorRequired
		case ModuleTypeHook:
			if acct.Hook != identity {
				return ErrModuleNotInstalled
			}
			if module, ok := e.modules[identity]; ok {
				if err := module.OnUninstall(e, acct.Address, data); err != nil {
					return err
				}
			}
			acct.Hook = common.Address{}
		case ModuleTypeExecutor:
			if _, ok := acct.Executors[identity]; !ok {
				return ErrModuleNotInstalled
			}
			if module, ok := e.modules[identity]; ok {
				if err := module.OnUninstall(e, acct.Address, data); err != nil {
					return err
				}
			}
			delete(acct.Executors, identity)
		case ModuleTypeFallback:
			if len(data) < 4 {
				return xerrors.New(xerrors.CodeInvalidArgument, "fallback 解绑需要调用选择器")
			}
			selector := SelectorOf(data)
			binding, ok := acct.Fallbacks[selector]
			if !ok || binding.Identity != identity {
				return ErrModuleNotInstalled
			}
			if module, ok := e.modules[identity]; ok {
				if err := module.OnUninstall(e, acct.Address, data); err != nil {
					return err
				}
			}
			delete(acct.Fallbacks, selector)
		}
		return nil

	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的绑定迁移")
	}
}
