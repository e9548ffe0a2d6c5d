package recovery

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
	"AegisVault/internal/validator"
	"AegisVault/pkg/logger"
)

// Status 表示恢复请求在生命周期中的状态。EXECUTED 是终态，
// 不存在撤回批准的路径。
type Status string

const (
	StatusNone      Status = "none"
	StatusProposed  Status = "proposed"
	StatusApproving Status = "approving"
	StatusReady     Status = "ready"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

// Request 是一条待执行的恢复请求。
type Request struct {
	Nonce         uint64               `json:"nonce"`
	NewCredential validator.Credential `json:"new_credential"`
	NewOwner      common.Address       `json:"new_owner"`
	Approvals     []common.Address     `json:"approvals"`
	CreatedAt     int64                `json:"created_at"`
	Executed      bool                 `json:"executed"`
	Cancelled     bool                 `json:"cancelled"`
}

var (
	// ErrNotGuardian 表示调用者不是该账户的守护人。
	ErrNotGuardian = xerrors.New(CodeNotGuardian, "caller is not a guardian")
	// ErrRequestNotFound 表示指定 nonce 没有恢复请求。
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "recovery request not found")
	// ErrAlreadyApproved 表示守护人重复批准，拒绝且不重复计数。
	ErrAlreadyApproved = xerrors.New(CodeAlreadyApproved, "guardian already approved this request")
	// ErrNotReady 表示批准数或延迟尚未满足。
	ErrNotReady = xerrors.New(CodeNotReady, "recovery request not yet executable")
	// ErrTerminal 表示请求已执行或已取消，不可再变更。
	ErrTerminal = xerrors.New(CodeTerminal, "recovery request is terminal")
)

const (
	CodeNotGuardian     xerrors.Code = "RECOVERY_NOT_GUARDIAN"
	CodeRequestNotFound xerrors.Code = "RECOVERY_REQUEST_NOT_FOUND"
	CodeAlreadyApproved xerrors.Code = "RECOVERY_ALREADY_APPROVED"
	CodeNotReady        xerrors.Code = "RECOVERY_NOT_READY"
	CodeTerminal        xerrors.Code = "RECOVERY_TERMINAL"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeNotGuardian:     {Message: "caller is not a guardian", Severity: xerrors.SeverityWarning},
		CodeRequestNotFound: {Message: "recovery request not found", Severity: xerrors.SeverityInfo},
		CodeAlreadyApproved: {Message: "duplicate guardian approval", Severity: xerrors.SeverityInfo},
		CodeNotReady:        {Message: "recovery request not yet executable", Severity: xerrors.SeverityInfo},
		CodeTerminal:        {Message: "recovery request is terminal", Severity: xerrors.SeverityWarning, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// CredentialWriter 是恢复模块对验证器的特权写入面。
type CredentialWriter interface {
	ApplyRecovery(recoverer, acct common.Address, cred validator.Credential, newOwner common.Address) error
}

// Authorizer 判断调用者是否可以通过账户的授权路径修改守护人配置。
type Authorizer func(caller, acct common.Address) bool

// InitData 是安装恢复模块时的初始化数据。
type InitData struct {
	Guardians []common.Address `json:"guardians"`
	Threshold int              `json:"threshold"`
}

// Module 是基于守护人阈值与强制延迟的社交恢复模块。
// 守护人集合与阈值只能经账户自身的授权路径修改，恢复流程本身
// 永远无法剥夺守护人资格。
type Module struct {
	identity  common.Address
	env       account.Env
	writer    CredentialWriter
	authorize Authorizer
	delay     time.Duration

	mu       sync.RWMutex
	accounts map[common.Address]*state
}

type state struct {
	guardians map[common.Address]struct{}
	threshold int
	nextNonce uint64
	requests  map[uint64]*request
}

type request struct {
	nonce         uint64
	newCredential validator.Credential
	newOwner      common.Address
	approvals     map[common.Address]struct{}
	createdAt     int64
	executed      bool
	cancelled     bool
}

// New 构造恢复模块。delay 是批准齐备后仍须等待的强制延迟。
func New(identity common.Address, env account.Env, writer CredentialWriter, authorize Authorizer, delay time.Duration) *Module {
	return &Module{
		identity:  identity,
		env:       env,
		writer:    writer,
		authorize: authorize,
		delay:     delay,
		accounts:  make(map[common.Address]*state),
	}
}

// Identity 实现 account.Module。
func (m *Module) Identity() common.Address {
	return m.identity
}

// Kind 实现 account.Module。恢复是独立的对等授权路径，
// 以执行器身份挂载。
func (m *Module) Kind() account.ModuleType {
	return account.ModuleTypeExecutor
}

// OnInstall 解析守护人配置并建立账户状态。
func (m *Module) OnInstall(_ account.Env, acct common.Address, initData []byte) error {
	var init InitData
	if err := json.Unmarshal(initData, &init); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析恢复模块初始化数据失败")
	}
	guardians, err := guardianSet(init.Guardians, init.Threshold)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct] = &state{
		guardians: guardians,
		threshold: init.Threshold,
		requests:  make(map[uint64]*request),
	}
	return nil
}

// OnUninstall 清空账户的恢复状态。
func (m *Module) OnUninstall(_ account.Env, acct common.Address, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, acct)
	return nil
}

func guardianSet(guardians []common.Address, threshold int) (map[common.Address]struct{}, error) {
	if len(guardians) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "守护人列表不能为空")
	}
	if threshold < 1 || threshold > len(guardians) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "阈值必须在 1 与守护人数量之间")
	}
	set := make(map[common.Address]struct{}, len(guardians))
	for _, g := range guardians {
		if g == (common.Address{}) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "守护人不能为零地址")
		}
		if _, ok := set[g]; ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "守护人重复")
		}
		set[g] = struct{}{}
	}
	return set, nil
}

// SetGuardians 重设守护人集合与阈值。只有账户自身的授权路径可以调用，
// 恢复流程无法触达这里。
func (m *Module) SetGuardians(caller, acct common.Address, guardians []common.Address, threshold int) error {
	if m.authorize == nil || !m.authorize(caller, acct) {
		return xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以修改守护人配置")
	}
	set, err := guardianSet(guardians, threshold)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.accounts[acct]
	if !ok {
		return account.ErrModuleNotInstalled
	}
	st.guardians = set
	st.threshold = threshold
	logger.Security("guardians_updated", acct.Hex(),
		slog.Int("guardians", len(guardians)),
		slog.Int("threshold", threshold),
	)
	return nil
}

// InitiateRecovery 由任一守护人发起：在下一个顺序 nonce 创建请求，
// 发起者的批准自动计入。
func (m *Module) InitiateRecovery(guardian, acct common.Address, newCred validator.Credential, newOwner common.Address) (uint64, error) {
	if newOwner == (common.Address{}) {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "新 owner 不能为零地址")
	}
	// 凭据在发起时就校验，不让注定失败的请求走完整个延迟窗口。
	normalized, err := validator.NormalizeCredential(newCred)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.accounts[acct]
	if !ok {
		return 0, account.ErrModuleNotInstalled
	}
	if _, ok := st.guardians[guardian]; !ok {
		return 0, ErrNotGuardian
	}

	nonce := st.nextNonce
	st.nextNonce++
	st.requests[nonce] = &request{
		nonce:         nonce,
		newCredential: normalized,
		newOwner:      newOwner,
		approvals:     map[common.Address]struct{}{guardian: {}},
		createdAt:     m.env.Now().Unix(),
	}
	logger.Security("recovery_initiated", acct.Hex(),
		slog.String("guardian", guardian.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("new_owner", newOwner.Hex()),
	)
	return nonce, nil
}

// ApproveRecovery 记录一次守护人批准。重复批准被拒绝，不会重复计数。
func (m *Module) ApproveRecovery(guardian, acct common.Address, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, req, err := m.lookupLocked(acct, nonce)
	if err != nil {
		return err
	}
	if _, ok := st.guardians[guardian]; !ok {
		return ErrNotGuardian
	}
	if req.executed || req.cancelled {
		return ErrTerminal
	}
	if _, ok := req.approvals[guardian]; ok {
		return ErrAlreadyApproved
	}
	req.approvals[guardian] = struct{}{}
	logger.Security("recovery_approved", acct.Hex(),
		slog.String("guardian", guardian.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Int("approvals", len(req.approvals)),
	)
	return nil
}

// ExecuteRecovery 在批准数达到阈值且延迟已过后，把提案内容直接写入
// 验证器状态。执行是终态：同一 nonce 的再次执行总是失败。
// 执行入口限定守护人。
func (m *Module) ExecuteRecovery(guardian, acct common.Address, nonce uint64) error {
	m.mu.Lock()
	st, req, err := m.lookupLocked(acct, nonce)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := st.guardians[guardian]; !ok {
		m.mu.Unlock()
		return ErrNotGuardian
	}
	if req.executed || req.cancelled {
		m.mu.Unlock()
		return ErrTerminal
	}
	if len(req.approvals) < st.threshold {
		m.mu.Unlock()
		return ErrNotReady
	}
	now := m.env.Now()
	deadline := time.Unix(req.createdAt, 0).Add(m.delay)
	if now.Before(deadline) {
		m.mu.Unlock()
		return ErrNotReady
	}
	// 锁内先占据终态，并发的重复执行与取消在这里被挡下；
	// 写入验证器失败则回退，请求保持可重试。
	req.executed = true
	newCred := req.newCredential
	newOwner := req.newOwner
	m.mu.Unlock()

	if err := m.writer.ApplyRecovery(m.identity, acct, newCred, newOwner); err != nil {
		m.mu.Lock()
		req.executed = false
		m.mu.Unlock()
		return err
	}

	logger.Security("recovery_executed", acct.Hex(),
		slog.String("guardian", guardian.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("new_owner", newOwner.Hex()),
	)
	return nil
}

// CancelRecovery 允许合法 owner 在延迟窗口内通过账户的授权路径
// 取消一条恶意或错误的请求。已执行的请求不可取消。
func (m *Module) CancelRecovery(caller, acct common.Address, nonce uint64) error {
	if m.authorize == nil || !m.authorize(caller, acct) {
		return xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以取消恢复请求")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, req, err := m.lookupLocked(acct, nonce)
	if err != nil {
		return err
	}
	if req.executed || req.cancelled {
		return ErrTerminal
	}
	req.cancelled = true
	logger.Security("recovery_cancelled", acct.Hex(), slog.Uint64("nonce", nonce))
	return nil
}

func (m *Module) lookupLocked(acct common.Address, nonce uint64) (*state, *request, error) {
	st, ok := m.accounts[acct]
	if !ok {
		return nil, nil, account.ErrModuleNotInstalled
	}
	req, ok := st.requests[nonce]
	if !ok {
		return nil, nil, ErrRequestNotFound
	}
	return st, req, nil
}

// GetGuardians 返回账户守护人列表（字典序）。
func (m *Module) GetGuardians(acct common.Address) []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[acct]
	if !ok {
		return nil
	}
	out := make([]common.Address, 0, len(st.guardians))
	for g := range st.guardians {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hex() < out[j].Hex()
	})
	return out
}

// GuardianThreshold 返回账户的批准阈值。
func (m *Module) GuardianThreshold(acct common.Address) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.accounts[acct]; ok {
		return st.threshold
	}
	return 0
}

// IsGuardian 报告身份是否为账户守护人。
func (m *Module) IsGuardian(acct, identity common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[acct]
	if !ok {
		return false
	}
	_, isGuardian := st.guardians[identity]
	return isGuardian
}

// GetRecoveryRequest 返回请求的副本。
func (m *Module) GetRecoveryRequest(acct common.Address, nonce uint64) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, req, err := m.lookupLocked(acct, nonce)
	if err != nil {
		return nil, err
	}
	return exportRequest(req), nil
}

// HasApprovedRecovery 报告守护人是否已批准指定请求。
func (m *Module) HasApprovedRecovery(acct common.Address, nonce uint64, guardian common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, req, err := m.lookupLocked(acct, nonce)
	if err != nil {
		return false
	}
	_, approved := req.approvals[guardian]
	return approved
}

// StatusOf 返回请求的派生状态。
func (m *Module) StatusOf(acct common.Address, nonce uint64) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, req, err := m.lookupLocked(acct, nonce)
	if err != nil {
		return StatusNone
	}
	switch {
	case req.executed:
		return StatusExecuted
	case req.cancelled:
		return StatusCancelled
	case len(req.approvals) >= st.threshold &&
		!m.env.Now().Before(time.Unix(req.createdAt, 0).Add(m.delay)):
		return StatusReady
	case len(req.approvals) > 1:
		return StatusApproving
	default:
		return StatusProposed
	}
}

func exportRequest(req *request) *Request {
	approvals := make([]common.Address, 0, len(req.approvals))
	for g := range req.approvals {
		approvals = append(approvals, g)
	}
	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].Hex() < approvals[j].Hex()
	})
	return &Request{
		Nonce:         req.nonce,
		NewCredential: req.newCredential,
		NewOwner:      req.newOwner,
		Approvals:     approvals,
		CreatedAt:     req.createdAt,
		Executed:      req.executed,
		Cancelled:     req.cancelled,
	}
}

var _ account.Module = (*Module)(nil)
