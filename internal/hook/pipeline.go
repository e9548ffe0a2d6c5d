package hook

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
	"AegisVault/pkg/logger"
)

var (
	// ErrHookExists 表示同一身份的子钩子已在管道内。
	ErrHookExists = xerrors.New(CodeHookExists, "hook already present in pipeline")
	// ErrHookNotFound 表示管道内没有该身份的子钩子。
	ErrHookNotFound = xerrors.New(CodeHookNotFound, "hook not present in pipeline")
	// ErrRemovalNotFound 表示没有对应的移除提案。
	ErrRemovalNotFound = xerrors.New(CodeRemovalNotFound, "hook removal not proposed")
	// ErrRemovalPending 表示移除时间锁尚未走完。
	ErrRemovalPending = xerrors.New(CodeRemovalPending, "hook removal delay not elapsed")
)

const (
	CodeHookExists      xerrors.Code = "HOOK_EXISTS"
	CodeHookNotFound    xerrors.Code = "HOOK_NOT_FOUND"
	CodeRemovalNotFound xerrors.Code = "HOOK_REMOVAL_NOT_FOUND"
	CodeRemovalPending  xerrors.Code = "HOOK_REMOVAL_PENDING"
	CodeValueGuard      xerrors.Code = "HOOK_VALUE_GUARD"
	CodeBatchNotFound   xerrors.Code = "LARGETX_BATCH_NOT_FOUND"
	CodeBatchPending    xerrors.Code = "LARGETX_BATCH_PENDING"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeHookExists:      {Message: "hook already present in pipeline", Severity: xerrors.SeverityInfo},
		CodeHookNotFound:    {Message: "hook not present in pipeline", Severity: xerrors.SeverityInfo},
		CodeRemovalNotFound: {Message: "hook removal not proposed", Severity: xerrors.SeverityInfo},
		CodeRemovalPending:  {Message: "hook removal delay not elapsed", Severity: xerrors.SeverityWarning},
		CodeValueGuard:      {Message: "large transfer outside dedicated executor", Severity: xerrors.SeverityCritical, Alert: true},
		CodeBatchNotFound:   {Message: "queued batch not found", Severity: xerrors.SeverityInfo},
		CodeBatchPending:    {Message: "queued batch delay not elapsed", Severity: xerrors.SeverityWarning},
	} {
		xerrors.Register(code, attr)
	}
}

// Authorizer 判断调用者是否可以通过账户的授权路径管理管道。
type Authorizer func(caller, acct common.Address) bool

// Pipeline 是账户的钩子槽位模块：内部维护一条有序子钩子链。
// 前置按安装顺序执行，后置同序执行，任一失败即否决整个批次。
// 子钩子的移除必须走 propose→wait→execute 时间锁，防止攻击者
// 先瞬时摘除防护钩子再转账。
type Pipeline struct {
	identity  common.Address
	env       account.Env
	authorize Authorizer
	delay     time.Duration

	mu       sync.RWMutex
	accounts map[common.Address]*pipelineState
}

type pipelineState struct {
	hooks    []account.Hook
	removals map[common.Address]int64
}

// preRecord 是管道前置上下文的单元：子钩子身份加其私有上下文。
type preRecord struct {
	Identity common.Address `json:"identity"`
	Context  []byte         `json:"context,omitempty"`
}

// NewPipeline 构造钩子管道。delay 是移除提案必须等待的时间锁。
func NewPipeline(identity common.Address, env account.Env, authorize Authorizer, delay time.Duration) *Pipeline {
	return &Pipeline{
		identity:  identity,
		env:       env,
		authorize: authorize,
		delay:     delay,
		accounts:  make(map[common.Address]*pipelineState),
	}
}

// Identity 实现 account.Module。
func (p *Pipeline) Identity() common.Address {
	return p.identity
}

// Kind 实现 account.Module。
func (p *Pipeline) Kind() account.ModuleType {
	return account.ModuleTypeHook
}

// OnInstall 为账户建立空管道。
func (p *Pipeline) OnInstall(_ account.Env, acct common.Address, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[acct] = &pipelineState{
		removals: make(map[common.Address]int64),
	}
	return nil
}

// OnUninstall 清空账户的管道状态。
func (p *Pipeline) OnUninstall(_ account.Env, acct common.Address, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accounts, acct)
	return nil
}

// AddHook 把子钩子追加到管道末尾。同一身份只能出现一次。
func (p *Pipeline) AddHook(caller, acct common.Address, h account.Hook) error {
	if p.authorize == nil || !p.authorize(caller, acct) {
		return xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以管理钩子管道")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.accounts[acct]
	if !ok {
		return account.ErrModuleNotInstalled
	}
	for _, existing := range st.hooks {
		if existing.Identity() == h.Identity() {
			return ErrHookExists
		}
	}
	st.hooks = append(st.hooks, h)
	logger.Security("hook_added", acct.Hex(), slog.String("hook", h.Identity().Hex()))
	return nil
}

// ProposeRemoval 开启子钩子的移除时间锁。重复提案会重置计时。
func (p *Pipeline) ProposeRemoval(caller, acct, identity common.Address) error {
	if p.authorize == nil || !p.authorize(caller, acct) {
		return xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以管理钩子管道")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.accounts[acct]
	if !ok {
		return account.ErrModuleNotInstalled
	}
	if p.indexOfLocked(st, identity) < 0 {
		return ErrHookNotFound
	}
	st.removals[identity] = p.env.Now().Unix()
	logger.Security("hook_removal_proposed", acct.Hex(), slog.String("hook", identity.Hex()))
	return nil
}

// ExecuteRemoval 在时间锁走完后把子钩子从管道摘除，链内顺序保持不变。
func (p *Pipeline) ExecuteRemoval(caller, acct, identity common.Address) error {
	if p.authorize == nil || !p.authorize(caller, acct) {
		return xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以管理钩子管道")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.accounts[acct]
	if !ok {
		return account.ErrModuleNotInstalled
	}
	proposedAt, ok := st.removals[identity]
	if !ok {
		return ErrRemovalNotFound
	}
	if p.env.Now().Before(time.Unix(proposedAt, 0).Add(p.delay)) {
		return ErrRemovalPending
	}
	idx := p.indexOfLocked(st, identity)
	if idx < 0 {
		delete(st.removals, identity)
		return ErrHookNotFound
	}
	st.hooks = append(st.hooks[:idx], st.hooks[idx+1:]...)
	delete(st.removals, identity)
	logger.Security("hook_removed", acct.Hex(), slog.String("hook", identity.Hex()))
	return nil
}

// CancelRemoval 撤回尚未执行的移除提案。
func (p *Pipeline) CancelRemoval(caller, acct, identity common.Address) error {
	if p.authorize == nil || !p.authorize(caller, acct) {
		return xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以管理钩子管道")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.accounts[acct]
	if !ok {
		return account.ErrModuleNotInstalled
	}
	if _, ok := st.removals[identity]; !ok {
		return ErrRemovalNotFound
	}
	delete(st.removals, identity)
	return nil
}

// Hooks 返回账户管道内子钩子的身份（安装顺序）。
func (p *Pipeline) Hooks(acct common.Address) []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.accounts[acct]
	if !ok {
		return nil
	}
	out := make([]common.Address, 0, len(st.hooks))
	for _, h := range st.hooks {
		out = append(out, h.Identity())
	}
	return out
}

func (p *Pipeline) indexOfLocked(st *pipelineState, identity common.Address) int {
	for i, h := range st.hooks {
		if h.Identity() == identity {
			return i
		}
	}
	return -1
}

// PreCheck 实现 account.Hook：按序运行全部子钩子的前置检查，
// 把各自的上下文打包返回。
func (p *Pipeline) PreCheck(env account.Env, acct common.Address, caller common.Address, totalValue *big.Int, batch []account.Invocation) ([]byte, error) {
	p.mu.RLock()
	st, ok := p.accounts[acct]
	var hooks []account.Hook
	if ok {
		hooks = append([]account.Hook(nil), st.hooks...)
	}
	p.mu.RUnlock()

	records := make([]preRecord, 0, len(hooks))
	for _, h := range hooks {
		ctx, err := h.PreCheck(env, acct, caller, totalValue, batch)
		if err != nil {
			return nil, err
		}
		records = append(records, preRecord{Identity: h.Identity(), Context: ctx})
	}
	return json.Marshal(records)
}

// PostCheck 实现 account.Hook：同序分发前置阶段打包的上下文。
// 引擎在同一临界区内调用 Pre/Post，上下文中的身份总能命中。
func (p *Pipeline) PostCheck(env account.Env, acct common.Address, preContext []byte) error {
	var records []preRecord
	if err := json.Unmarshal(preContext, &records); err != nil {
		return xerrors.Wrap(xerrors.CodeInvariant, err, "钩子上下文损坏")
	}

	p.mu.RLock()
	st, ok := p.accounts[acct]
	byIdentity := make(map[common.Address]account.Hook)
	if ok {
		for _, h := range st.hooks {
			byIdentity[h.Identity()] = h
		}
	}
	p.mu.RUnlock()

	for _, rec := range records {
		h, found := byIdentity[rec.Identity]
		if !found {
			return xerrors.New(xerrors.CodeInvariant, "钩子在批次执行期间消失")
		}
		if err := h.PostCheck(env, acct, rec.Context); err != nil {
			return err
		}
	}
	return nil
}

var _ account.Hook = (*Pipeline)(nil)
