package hook

import (
	"encoding/json"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
)

// GuardInit 是价值防护钩子的安装数据。
type GuardInit struct {
	// Threshold 是十进制字符串表示的外层价值阈值。
	Threshold string `json:"threshold"`
	// Executor 是唯一允许超阈值批次的大额执行器身份。
	Executor common.Address `json:"executor"`
}

// Guard 是价值防护子钩子：批次外层总价值超过阈值时，只放行来自
// 专用大额执行器的调用。大额执行器自带时间锁，于是超阈值转账
// 天然获得一段公示期。
type Guard struct {
	identity         common.Address
	defaultThreshold *big.Int

	mu       sync.RWMutex
	accounts map[common.Address]*guardConfig
}

type guardConfig struct {
	threshold *big.Int
	executor  common.Address
}

// GuardOption 定义可选配置。
type GuardOption func(*Guard)

// WithGuardDefaultThreshold 设置部署级默认阈值，账户安装时
// 未显式给出阈值则回落到该值。
func WithGuardDefaultThreshold(threshold *big.Int) GuardOption {
	return func(g *Guard) {
		if threshold != nil && threshold.Sign() >= 0 {
			g.defaultThreshold = new(big.Int).Set(threshold)
		}
	}
}

// NewGuard 构造价值防护钩子。
func NewGuard(identity common.Address, opts ...GuardOption) *Guard {
	g := &Guard{
		identity: identity,
		accounts: make(map[common.Address]*guardConfig),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Identity 实现 account.Module。
func (g *Guard) Identity() common.Address {
	return g.identity
}

// Kind 实现 account.Module。
func (g *Guard) Kind() account.ModuleType {
	return account.ModuleTypeHook
}

// OnInstall 解析账户的阈值与大额执行器配置。
func (g *Guard) OnInstall(_ account.Env, acct common.Address, initData []byte) error {
	var init GuardInit
	if err := json.Unmarshal(initData, &init); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析价值防护配置失败")
	}
	var threshold *big.Int
	if init.Threshold == "" && g.defaultThreshold != nil {
		threshold = new(big.Int).Set(g.defaultThreshold)
	} else {
		parsed, ok := new(big.Int).SetString(init.Threshold, 10)
		if !ok || parsed.Sign() < 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, "阈值必须是非负十进制整数")
		}
		threshold = parsed
	}
	if init.Executor == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "大额执行器不能为零地址")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts[acct] = &guardConfig{threshold: threshold, executor: init.Executor}
	return nil
}

// OnUninstall 清空账户的防护配置。
func (g *Guard) OnUninstall(_ account.Env, acct common.Address, _ []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.accounts, acct)
	return nil
}

// PreCheck 实现 account.Hook。
func (g *Guard) PreCheck(_ account.Env, acct common.Address, caller common.Address, totalValue *big.Int, _ []account.Invocation) ([]byte, error) {
	g.mu.RLock()
	cfg, ok := g.accounts[acct]
	g.mu.RUnlock()
	if !ok || totalValue == nil {
		return nil, nil
	}
	if totalValue.Cmp(cfg.threshold) > 0 && caller != cfg.executor {
		return nil, xerrors.New(CodeValueGuard, "超阈值批次必须经大额执行器提交")
	}
	return nil, nil
}

// PostCheck 实现 account.Hook。防护只看前置，后置无事可做。
func (g *Guard) PostCheck(_ account.Env, _ common.Address, _ []byte) error {
	return nil
}

// Threshold 返回账户的防护阈值副本。
func (g *Guard) Threshold(acct common.Address) (*big.Int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cfg, ok := g.accounts[acct]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(cfg.threshold), true
}

var _ account.Hook = (*Guard)(nil)
