package validator

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
	"AegisVault/pkg/logger"
)

var (
	// ErrNotInstalled 表示该账户尚未安装此验证器。
	ErrNotInstalled = xerrors.New(CodeNotInstalled, "validator not installed for account")
	// ErrCredentialExists 表示凭据身份重复。
	ErrCredentialExists = xerrors.New(CodeCredentialExists, "credential already registered")
	// ErrCredentialNotFound 表示引用的凭据不存在。
	ErrCredentialNotFound = xerrors.New(CodeCredentialNotFound, "credential not found")
	// ErrLastCredential 表示多因子开启时不允许移除最后一个激活凭据。
	ErrLastCredential = xerrors.New(CodeLastCredential, "cannot remove the last active credential while multi-factor is enabled")
	// ErrNoActiveCredential 表示在没有激活凭据时开启多因子。
	ErrNoActiveCredential = xerrors.New(CodeNoActiveCredential, "multi-factor requires at least one active credential")
	// ErrUnauthorized 表示调用者无权修改验证器状态。
	ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, "caller may not mutate validator state")
)

const (
	CodeNotInstalled       xerrors.Code = "VALIDATOR_NOT_INSTALLED"
	CodeCredentialExists   xerrors.Code = "CREDENTIAL_EXISTS"
	CodeCredentialNotFound xerrors.Code = "CREDENTIAL_NOT_FOUND"
	CodeLastCredential     xerrors.Code = "LAST_CREDENTIAL"
	CodeNoActiveCredential xerrors.Code = "NO_ACTIVE_CREDENTIAL"
	CodeBadEnvelope        xerrors.Code = "BAD_ENVELOPE"
)

func init() {
	xerrors.Register(CodeNotInstalled, xerrors.Attributes{
		Message:   "validator not installed for account",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCredentialExists, xerrors.Attributes{
		Message:   "credential already registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCredentialNotFound, xerrors.Attributes{
		Message:   "credential not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLastCredential, xerrors.Attributes{
		Message:   "last active credential is protected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeNoActiveCredential, xerrors.Attributes{
		Message:   "multi-factor requires an active credential",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBadEnvelope, xerrors.Attributes{
		Message:   "malformed authorization envelope",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Authorizer 判断调用者是否可以通过账户的授权路径修改验证器状态。
type Authorizer func(caller, acct common.Address) bool

// Module 是多因子验证器模块。一个部署实例服务多个账户，
// 凭据与 owner 状态以调用账户为键隔离，互不污染。
type Module struct {
	identity   common.Address
	authorize  Authorizer
	recoverers map[common.Address]struct{}

	mu       sync.RWMutex
	accounts map[common.Address]*state
}

type state struct {
	owner       common.Address
	multiFactor bool
	credentials map[common.Hash]*Credential
}

// InitData 是安装验证器时的初始化数据。
type InitData struct {
	Owner       common.Address `json:"owner"`
	MultiFactor bool           `json:"multi_factor"`
	Credentials []Credential   `json:"credentials,omitempty"`
}

// New 构造验证器模块实例。
func New(identity common.Address, authorize Authorizer) *Module {
	return &Module{
		identity:   identity,
		authorize:  authorize,
		recoverers: make(map[common.Address]struct{}),
		accounts:   make(map[common.Address]*state),
	}
}

// Identity 实现 account.Module。
func (m *Module) Identity() common.Address {
	return m.identity
}

// Kind 实现 account.Module。
func (m *Module) Kind() account.ModuleType {
	return account.ModuleTypeValidator
}

// AuthorizeRecoverer 登记一个恢复模块身份，允许其直接写入验证器状态。
// 这是绕过账户自调用授权的唯一特权路径。
func (m *Module) AuthorizeRecoverer(identity common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverers[identity] = struct{}{}
}

// OnInstall 解码初始化数据并建立该账户的验证器状态。
func (m *Module) OnInstall(_ account.Env, acct common.Address, initData []byte) error {
	var init InitData
	if err := json.Unmarshal(initData, &init); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析验证器初始化数据失败")
	}
	if init.Owner == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证器需要 owner 身份")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(acct, transition{
		kind:        txInit,
		owner:       init.Owner,
		multiFactor: init.MultiFactor,
		credentials: init.Credentials,
	})
}

// OnUninstall 清空该账户的验证器状态。注册表保证此时新的验证器
// 原子接管，不存在无验证器的空窗。
func (m *Module) OnUninstall(_ account.Env, acct common.Address, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(acct, transition{kind: txClear})
}

// transitionKind 枚举验证器状态机的全部迁移。
type transitionKind uint8

const (
	txInit transitionKind = iota
	txClear
	txSetMultiFactor
	txAddCredential
	txRemoveCredential
	txRecover
)

type transition struct {
	kind         transitionKind
	owner        common.Address
	multiFactor  bool
	credential   Credential
	credentialID common.Hash
	credentials  []Credential
}

// apply 是验证器与凭据状态唯一的迁移函数。
// "多因子开启 ⇒ 至少一个激活凭据" 的不变量只在这里检查一次。
// 调用方必须持有写锁。
func (m *Module) apply(acct common.Address, t transition) error {
	st := m.accounts[acct]

	switch t.kind {
	case txInit:
		fresh := &state{
			owner:       t.owner,
			credentials: make(map[common.Hash]*Credential, len(t.credentials)),
		}
		for _, cred := range t.credentials {
			normalized, err := normalizeCredential(cred)
			if err != nil {
				return err
			}
			if _, ok := fresh.credentials[normalized.ID]; ok {
				return ErrCredentialExists
			}
			fresh.credentials[normalized.ID] = normalized
		}
		if t.multiFactor && countActive(fresh.credentials) == 0 {
			return ErrNoActiveCredential
		}
		fresh.multiFactor = t.multiFactor
		m.accounts[acct] = fresh
		return nil

	case txClear:
		delete(m.accounts, acct)
		return nil
	}

	if st == nil {
		return ErrNotInstalled
	}

	switch t.kind {
	case txSetMultiFactor:
		if t.multiFactor && countActive(st.credentials) == 0 {
			return ErrNoActiveCredential
		}
		st.multiFactor = t.multiFactor
		return nil

	case txAddCredential:
		normalized, err := normalizeCredential(t.credential)
		if err != nil {
			return err
		}
		if _, ok := st.credentials[normalized.ID]; ok {
			return ErrCredentialExists
		}
		st.credentials[normalized.ID] = normalized
		return nil

	case txRemoveCredential:
		cred, ok := st.credentials[t.credentialID]
		if !ok {
			return ErrCredentialNotFound
		}
		if st.multiFactor && cred.Active && countActive(st.credentials) == 1 {
			return ErrLastCredential
		}
		delete(st.credentials, t.credentialID)
		return nil

	case txRecover:
		normalized, err := normalizeCredential(t.credential)
		if err != nil {
			return err
		}
		if t.owner == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "恢复必须提供新的 owner")
		}
		// 多因子保持开启时替换凭据必须立即可用，否则恢复之后
		// 账户不存在任何能通过校验的信封。
		if st.multiFactor && !normalized.Active {
			return ErrNoActiveCredential
		}
		st.owner = t.owner
		st.credentials = map[common.Hash]*Credential{normalized.ID: normalized}
		return nil

	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的验证器迁移")
	}
}

func countActive(creds map[common.Hash]*Credential) int {
	active := 0
	for _, cred := range creds {
		if cred.Active {
			active++
		}
	}
	return active
}

// SetMultiFactor 切换多因子模式。开启要求至少一个激活凭据，
// 关闭总是允许。
func (m *Module) SetMultiFactor(caller, acct common.Address, enabled bool) error {
	if m.authorize == nil || !m.authorize(caller, acct) {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.apply(acct, transition{kind: txSetMultiFactor, multiFactor: enabled}); err != nil {
		return err
	}
	logger.Security("multi_factor_toggled", acct.Hex(), slog.Bool("enabled", enabled))
	return nil
}

// AddCredential 注册一个新的凭据。重复的凭据身份被拒绝。
func (m *Module) AddCredential(caller, acct common.Address, cred Credential) error {
	if m.authorize == nil || !m.authorize(caller, acct) {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.apply(acct, transition{kind: txAddCredential, credential: cred}); err != nil {
		return err
	}
	logger.Security("credential_added", acct.Hex(), slog.String("credential", cred.ID.Hex()))
	return nil
}

// RemoveCredential 移除一个凭据。多因子开启时最后一个激活凭据受保护。
func (m *Module) RemoveCredential(caller, acct common.Address, id common.Hash) error {
	if m.authorize == nil || !m.authorize(caller, acct) {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.apply(acct, transition{kind: txRemoveCredential, credentialID: id}); err != nil {
		return err
	}
	logger.Security("credential_removed", acct.Hex(), slog.String("credential", id.Hex()))
	return nil
}

// ApplyRecovery 是恢复模块的特权写入口：以提案内容整体替换账户的
// 主凭据与 owner。仅登记过的恢复模块可以调用。
func (m *Module) ApplyRecovery(recoverer, acct common.Address, cred Credential, newOwner common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recoverers[recoverer]; !ok {
		return ErrUnauthorized
	}
	if err := m.apply(acct, transition{kind: txRecover, credential: cred, owner: newOwner}); err != nil {
		return err
	}
	logger.Security("recovery_applied", acct.Hex(),
		slog.String("recoverer", recoverer.Hex()),
		slog.String("new_owner", newOwner.Hex()),
	)
	return nil
}

// OwnerOf 返回账户的 owner 身份。
func (m *Module) OwnerOf(acct common.Address) (common.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[acct]
	if !ok {
		return common.Address{}, false
	}
	return st.owner, true
}

// MultiFactorEnabled 报告账户是否处于多因子模式。
func (m *Module) MultiFactorEnabled(acct common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[acct]
	return ok && st.multiFactor
}

// Credentials 返回账户全部凭据的副本。
func (m *Module) Credentials(acct common.Address) []Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.accounts[acct]
	if !ok {
		return nil
	}
	out := make([]Credential, 0, len(st.credentials))
	for _, cred := range st.credentials {
		out = append(out, *cred)
	}
	return out
}

var _ account.Validator = (*Module)(nil)
