package sessionkey

import (
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
	"AegisVault/pkg/logger"
)

// Dispatcher 是执行器模块对引擎的依赖面。
type Dispatcher interface {
	account.Env
	ExecuteFromExecutor(executor, acct common.Address, batch []account.Invocation) ([]account.InvocationResult, error)
}

// Authorizer 判断调用者是否可以通过账户的授权路径管理授权。
type Authorizer func(caller, acct common.Address) bool

// Module 是会话密钥执行器：让时间盒化、限额、限目标的委托人
// 绕过主验证器直接提交调用。授权状态以账户为键隔离。
type Module struct {
	identity   common.Address
	dispatcher Dispatcher
	authorize  Authorizer

	mu     sync.RWMutex
	grants map[common.Address]map[common.Address]*Grant
}

// New 构造会话密钥执行器模块。
func New(identity common.Address, dispatcher Dispatcher, authorize Authorizer) *Module {
	return &Module{
		identity:   identity,
		dispatcher: dispatcher,
		authorize:  authorize,
		grants:     make(map[common.Address]map[common.Address]*Grant),
	}
}

// Identity 实现 account.Module。
func (m *Module) Identity() common.Address {
	return m.identity
}

// Kind 实现 account.Module。
func (m *Module) Kind() account.ModuleType {
	return account.ModuleTypeExecutor
}

// OnInstall 不需要初始化数据；授权由 CreateSessionKey 单独创建。
func (m *Module) OnInstall(_ account.Env, _ common.Address, _ []byte) error {
	return nil
}

// OnUninstall 批量清除该账户的全部授权。
func (m *Module) OnUninstall(_ account.Env, acct common.Address, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, acct)
	logger.Security("session_grants_cleared", acct.Hex())
	return nil
}

// CreateSessionKey 创建一条授权。窗口非法、零委托人或已有激活授权
// 都会被拒绝。
func (m *Module) CreateSessionKey(caller, acct common.Address, perm Permission) (*Grant, error) {
	if m.authorize == nil || !m.authorize(caller, acct) {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以创建会话密钥")
	}
	if perm.Delegate == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "委托人不能为零地址")
	}
	if perm.ValidAfter >= perm.ValidUntil {
		return nil, ErrInvalidWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byDelegate, ok := m.grants[acct]
	if !ok {
		byDelegate = make(map[common.Address]*Grant)
		m.grants[acct] = byDelegate
	}
	if existing, ok := byDelegate[perm.Delegate]; ok && existing.Active {
		return nil, ErrGrantExists
	}

	now := m.dispatcher.Now().Unix()
	grant := &Grant{
		Account:          acct,
		Delegate:         perm.Delegate,
		ValidAfter:       perm.ValidAfter,
		ValidUntil:       perm.ValidUntil,
		AllowedTargets:   append([]common.Address(nil), perm.AllowedTargets...),
		AllowedSelectors: append([]account.Selector(nil), perm.AllowedSelectors...),
		PerCallCap:       cloneBig(perm.PerCallCap),
		TotalCap:         cloneBig(perm.TotalCap),
		Spent:            new(big.Int),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	byDelegate[perm.Delegate] = grant

	logger.Security("session_key_created", acct.Hex(),
		slog.String("delegate", perm.Delegate.Hex()),
		slog.Int64("valid_after", perm.ValidAfter),
		slog.Int64("valid_until", perm.ValidUntil),
	)
	return cloneGrant(grant), nil
}

// RevokeSessionKey 软删除授权：激活位翻转为 false，记录保留。
func (m *Module) RevokeSessionKey(caller, acct, delegate common.Address) error {
	if m.authorize == nil || !m.authorize(caller, acct) {
		return xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以吊销会话密钥")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[acct][delegate]
	if !ok {
		return ErrGrantNotFound
	}
	grant.Active = false
	grant.UpdatedAt = m.dispatcher.Now().Unix()
	logger.Security("session_key_revoked", acct.Hex(), slog.String("delegate", delegate.Hex()))
	return nil
}

// GetSessionKey 返回指定授权的副本。
func (m *Module) GetSessionKey(acct, delegate common.Address) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grant, ok := m.grants[acct][delegate]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return cloneGrant(grant), nil
}

// GetSessionKeys 返回账户全部授权的副本。
func (m *Module) GetSessionKeys(acct common.Address) []*Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byDelegate := m.grants[acct]
	out := make([]*Grant, 0, len(byDelegate))
	for _, grant := range byDelegate {
		out = append(out, cloneGrant(grant))
	}
	return out
}

// ExecuteWithSessionKey 校验委托人签名与授权约束后，把调用转发给
// 调度器。检查按固定顺序进行，任何一步失败都不会改动 nonce 或花费。
func (m *Module) ExecuteWithSessionKey(acct, delegate, target common.Address, value *big.Int, callData []byte, nonce uint64, sig []byte) ([]account.InvocationResult, error) {
	if value == nil {
		value = new(big.Int)
	}

	digest, err := Digest(acct, target, value, callData, nonce, m.dispatcher.ChainID())
	if err != nil {
		return nil, xerrors.Wrap(CodeBadSignature, err, "推导会话摘要失败")
	}
	signer, ok := recoverDelegate(digest, sig)
	if !ok || signer != delegate {
		return nil, ErrBadSignature
	}

	m.mu.Lock()
	grant, ok := m.grants[acct][delegate]
	if !ok {
		m.mu.Unlock()
		return nil, ErrGrantNotFound
	}
	if err := m.checkGrant(grant, target, value, callData, nonce); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	// 全部检查通过：先消耗 nonce 并累计花费，再转发调用。
	grant.Nonce++
	grant.Spent.Add(grant.Spent, value)
	grant.UpdatedAt = m.dispatcher.Now().Unix()
	spent := new(big.Int).Set(grant.Spent)
	m.mu.Unlock()

	logger.Security("session_key_spend", acct.Hex(),
		slog.String("delegate", delegate.Hex()),
		slog.String("target", target.Hex()),
		slog.String("value", value.String()),
		slog.String("cumulative_spent", spent.String()),
		slog.Uint64("nonce", nonce),
	)

	return m.dispatcher.ExecuteFromExecutor(m.identity, acct, []account.Invocation{{
		Target: target,
		Value:  new(big.Int).Set(value),
		Data:   append([]byte(nil), callData...),
	}})
}

// checkGrant 按固定顺序执行授权约束检查。调用方必须持有写锁。
func (m *Module) checkGrant(grant *Grant, target common.Address, value *big.Int, callData []byte, nonce uint64) error {
	if !grant.Active {
		return ErrGrantInactive
	}
	now := m.dispatcher.Now().Unix()
	if now < grant.ValidAfter || now >= grant.ValidUntil {
		return ErrWindowClosed
	}
	if nonce != grant.Nonce {
		return ErrNonceMismatch
	}
	if len(grant.AllowedTargets) > 0 {
		allowed := false
		for _, t := range grant.AllowedTargets {
			if t == target {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrTargetDenied
		}
	}
	if len(grant.AllowedSelectors) > 0 {
		if len(callData) < 4 {
			return ErrSelectorDenied
		}
		selector := account.SelectorOf(callData)
		allowed := false
		for _, s := range grant.AllowedSelectors {
			if s == selector {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrSelectorDenied
		}
	}
	if grant.PerCallCap != nil && value.Cmp(grant.PerCallCap) > 0 {
		return ErrPerCallCap
	}
	if grant.TotalCap != nil {
		projected := new(big.Int).Add(grant.Spent, value)
		if projected.Cmp(grant.TotalCap) > 0 {
			return ErrTotalCap
		}
	}
	// 自调用会让委托人获得账户自身的权限，必须拒绝。
	if target == grant.Account {
		return ErrSelfCall
	}
	return nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

var _ account.Executor = (*Module)(nil)
