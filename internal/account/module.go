package account

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Env 暴露给模块的执行环境能力。
type Env interface {
	Now() time.Time
	ChainID() *big.Int
}

// Module 是所有能力模块的公共接口。一个部署实例可以同时服务多个账户，
// 模块内部的状态必须以账户地址为键隔离。
type Module interface {
	Identity() common.Address
	Kind() ModuleType
	OnInstall(env Env, account common.Address, initData []byte) error
	OnUninstall(env Env, account common.Address, deinitData []byte) error
}

// Validator 决定一个授权信封是否批准某次操作。
// 两个入口都不允许 panic：纯校验路径失败时退化为失败值。
type Validator interface {
	Module
	ValidateOperation(env Env, account common.Address, op *Operation, opHash common.Hash, missingFunds *big.Int) ValidationData
	ValidSignature(env Env, account common.Address, hash common.Hash, sig []byte) bool
}

// Executor 是允许绕过主验证器、直接发起调用的模块的标记接口。
type Executor interface {
	Module
}

// Hook 在每个被调度的批次前后运行。PreCheck 返回的上下文会原样传给
// PostCheck；任一失败都会让整个批次回滚。
type Hook interface {
	Module
	PreCheck(env Env, account common.Address, caller common.Address, totalValue *big.Int, batch []Invocation) ([]byte, error)
	PostCheck(env Env, account common.Address, preContext []byte) error
}

// FallbackHandler 响应账户核心没有原生实现的调用，按选择器绑定。
type FallbackHandler interface {
	Module
	HandleFallback(env Env, account common.Address, caller common.Address, value *big.Int, data []byte) ([]byte, error)
}

// ValidationData 是验证结果的显式形式。
type ValidationData struct {
	Failed     bool
	ValidAfter uint64
	ValidUntil uint64
}

// ValidationFailed 是纯校验路径的哨兵失败值。
var ValidationFailed = ValidationData{Failed: true}

// UnpackValidation 还原 Pack 产出的整数形式。
func UnpackValidation(packed *big.Int) ValidationData {
	if packed == nil {
		return ValidationFailed
	}
	mask48 := new(big.Int).SetUint64(1<<48 - 1)
	until := new(big.Int).Rsh(packed, 160)
	until.And(until, mask48)
	after := new(big.Int).Rsh(packed, 208)
	after.And(after, mask48)
	return ValidationData{
		Failed:     packed.Bit(0) == 1,
		ValidAfter: after.Uint64(),
		ValidUntil: until.Uint64(),
	}
}

// Pack 将验证结果压缩为单个整数：最低 160 位放失败标记，
// 其后 48 位 validUntil，再 48 位 validAfter。
func (v ValidationData) Pack() *big.Int {
	packed := new(big.Int)
	if v.Failed {
		packed.SetUint64(1)
	}
	if v.ValidUntil > 0 {
		until := new(big.Int).SetUint64(v.ValidUntil)
		packed.Or(packed, until.Lsh(until, 160))
	}
	if v.ValidAfter > 0 {
		after := new(big.Int).SetUint64(v.ValidAfter)
		packed.Or(packed, after.Lsh(after, 208))
	}
	return packed
}
