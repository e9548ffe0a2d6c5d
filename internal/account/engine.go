package account

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AegisVault/internal/errors"
)

// DefaultEntryPoint 是入口网关的固定身份，所有经网关转发的调用都以
// 该身份出现。
var DefaultEntryPoint = common.HexToAddress("0x000000000000000000000000000000000000AE91")

// DefaultFactory 是账户工厂的固定身份，参与确定性地址推导。
var DefaultFactory = common.HexToAddress("0x000000000000000000000000000000000000FAC7")

// Engine 承载所有账户的状态并串行化每一次状态变更。
// 引擎级互斥锁对应底层账本提供的全局串行化；领域代码不再持有任何锁。
type Engine struct {
	mu sync.Mutex

	chainID    *big.Int
	clock      func() time.Time
	entryPoint common.Address
	factory    common.Address

	accounts map[common.Address]*Account
	modules  map[common.Address]Module
	ledger   *Ledger
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithClock 覆盖引擎使用的环境时钟，主要用于测试。
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEntryPoint 覆盖入口网关身份。
func WithEntryPoint(entryPoint common.Address) EngineOption {
	return func(e *Engine) {
		if entryPoint != (common.Address{}) {
			e.entryPoint = entryPoint
		}
	}
}

// WithFactoryAddress 覆盖工厂身份。
func WithFactoryAddress(factory common.Address) EngineOption {
	return func(e *Engine) {
		if factory != (common.Address{}) {
			e.factory = factory
		}
	}
}

// NewEngine 构造执行引擎。
func NewEngine(chainID *big.Int, opts ...EngineOption) *Engine {
	if chainID == nil || chainID.Sign() <= 0 {
		chainID = big.NewInt(1)
	}
	e := &Engine{
		chainID:    new(big.Int).Set(chainID),
		clock:      time.Now,
		entryPoint: DefaultEntryPoint,
		factory:    DefaultFactory,
		accounts:   make(map[common.Address]*Account),
		modules:    make(map[common.Address]Module),
		ledger:     NewLedger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Now 实现 Env。
func (e *Engine) Now() time.Time {
	return e.clock()
}

// ChainID 实现 Env。
func (e *Engine) ChainID() *big.Int {
	return new(big.Int).Set(e.chainID)
}

// EntryPoint 返回入口网关身份。
func (e *Engine) EntryPoint() common.Address {
	return e.entryPoint
}

// Ledger 返回底层账本。仅供装配与测试预置状态使用。
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// RegisterModule 部署一个模块实例，使其可以被账户安装。
func (e *Engine) RegisterModule(m Module) error {
	if m == nil || m.Identity() == (common.Address{}) {
		return ErrInvalidModule
	}
	if !IsValidModuleType(m.Kind()) {
		return ErrInvalidModule
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.modules[m.Identity()]; ok {
		return xerrors.New(xerrors.CodeConflict, "模块身份已被占用")
	}
	e.modules[m.Identity()] = m
	return nil
}

// Module 按身份返回已部署的模块实例。
func (e *Engine) Module(identity common.Address) (Module, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modules[identity]
	return m, ok
}

// GetAccount 返回账户状态的副本。
func (e *Engine) GetAccount(addr common.Address) (*Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(acct), nil
}

// ValidateOperation 将操作交给账户当前的主验证器裁决，
// 返回压缩后的验证结果。校验路径永不 panic，异常退化为失败值。
func (e *Engine) ValidateOperation(op *Operation, missingFunds *big.Int) *big.Int {
	if op == nil {
		return ValidationFailed.Pack()
	}
	e.mu.Lock()
	acct, ok := e.accounts[op.Account]
	if !ok {
		e.mu.Unlock()
		return ValidationFailed.Pack()
	}
	validator, ok := e.validatorLocked(acct)
	e.mu.Unlock()
	if !ok {
		return ValidationFailed.Pack()
	}
	opHash := OpHash(op, e.chainID)
	return validator.ValidateOperation(e, op.Account, op, opHash, missingFunds).Pack()
}

// IsValidSignature 委托给账户的主验证器做离线签名检查。
// 任何畸形输入都返回 false 而不是报错。
func (e *Engine) IsValidSignature(account common.Address, hash common.Hash, sig []byte) bool {
	e.mu.Lock()
	acct, ok := e.accounts[account]
	if !ok {
		e.mu.Unlock()
		return false
	}
	validator, ok := e.validatorLocked(acct)
	e.mu.Unlock()
	if !ok {
		return false
	}
	return validator.ValidSignature(e, account, hash, sig)
}

// validatorLocked 解析账户当前的主验证器实例。调用方必须持有引擎锁。
func (e *Engine) validatorLocked(acct *Account) (Validator, bool) {
	m, ok := e.modules[acct.Validator]
	if !ok {
		return nil, false
	}
	validator, ok := m.(Validator)
	return validator, ok
}

// hookLocked 解析账户当前的全局钩子实例（若有）。调用方必须持有引擎锁。
func (e *Engine) hookLocked(acct *Account) (Hook, bool) {
	if acct.Hook == (common.Address{}) {
		return nil, false
	}
	m, ok := e.modules[acct.Hook]
	if !ok {
		return nil, false
	}
	hook, ok := m.(Hook)
	return hook, ok
}

// authorizedCaller 检查调用者是否为账户自身或入口网关。
func (e *Engine) authorizedCaller(account, caller common.Address) bool {
	return caller == account || caller == e.entryPoint
}
