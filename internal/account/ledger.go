package account

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AegisVault/internal/errors"
)

// TargetCall 是目标处理器看到的调用上下文。
type TargetCall struct {
	State  *Ledger
	Caller common.Address
	Target common.Address
	Value  *big.Int
	Input  []byte
	Static bool
}

// TargetHandler 模拟一个可被调用的外部目标。
type TargetHandler func(call TargetCall) ([]byte, error)

// Ledger 是执行基底的状态：余额、每目标的键值存储与已注册的目标。
// 快照/回滚保证默认语义下批次的原子性。Ledger 本身不加锁，
// 串行化由引擎的调用段提供。
type Ledger struct {
	balances map[common.Address]*big.Int
	storage  map[common.Address]map[string][]byte
	handlers map[common.Address]TargetHandler

	snapshots []ledgerSnapshot
}

type ledgerSnapshot struct {
	balances map[common.Address]*big.Int
	storage  map[common.Address]map[string][]byte
}

// NewLedger 创建空账本。
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]*big.Int),
		storage:  make(map[common.Address]map[string][]byte),
		handlers: make(map[common.Address]TargetHandler),
	}
}

// RegisterTarget 注册一个可调用目标。重复注册覆盖旧处理器。
func (l *Ledger) RegisterTarget(target common.Address, handler TargetHandler) {
	l.handlers[target] = handler
}

// Credit 为地址增加余额，用于入金与测试预置。
func (l *Ledger) Credit(addr common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	balance, ok := l.balances[addr]
	if !ok {
		balance = new(big.Int)
		l.balances[addr] = balance
	}
	balance.Add(balance, amount)
}

// Balance 返回地址余额的副本。
func (l *Ledger) Balance(addr common.Address) *big.Int {
	if balance, ok := l.balances[addr]; ok {
		return new(big.Int).Set(balance)
	}
	return new(big.Int)
}

// GetState 读取目标自己的键值存储。
func (l *Ledger) GetState(target common.Address, key string) ([]byte, bool) {
	slots, ok := l.storage[target]
	if !ok {
		return nil, false
	}
	value, ok := slots[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

// SetState 写入目标的键值存储。只读调用中写入被拒绝。
func (l *Ledger) SetState(call TargetCall, key string, value []byte) error {
	if call.Static {
		return ErrStaticMutation
	}
	slots, ok := l.storage[call.Target]
	if !ok {
		slots = make(map[string][]byte)
		l.storage[call.Target] = slots
	}
	slots[key] = append([]byte(nil), value...)
	return nil
}

// Snapshot 记录当前状态并返回快照编号。
func (l *Ledger) Snapshot() int {
	snap := ledgerSnapshot{
		balances: make(map[common.Address]*big.Int, len(l.balances)),
		storage:  make(map[common.Address]map[string][]byte, len(l.storage)),
	}
	for addr, balance := range l.balances {
		snap.balances[addr] = new(big.Int).Set(balance)
	}
	for target, slots := range l.storage {
		cloned := make(map[string][]byte, len(slots))
		for key, value := range slots {
			cloned[key] = append([]byte(nil), value...)
		}
		snap.storage[target] = cloned
	}
	l.snapshots = append(l.snapshots, snap)
	return len(l.snapshots) - 1
}

// RevertTo 回滚到指定快照，丢弃其后的全部修改。
func (l *Ledger) RevertTo(id int) {
	if id < 0 || id >= len(l.snapshots) {
		return
	}
	snap := l.snapshots[id]
	l.balances = snap.balances
	l.storage = snap.storage
	l.snapshots = l.snapshots[:id]
}

// Discard 丢弃指定快照及其后的所有快照，保留当前状态。
func (l *Ledger) Discard(id int) {
	if id < 0 || id >= len(l.snapshots) {
		return
	}
	l.snapshots = l.snapshots[:id]
}

// Call 是目标调用原语：对单个目标执行一次带 value 与 data 的调用，
// 返回输出或失败。失败时调用方负责回滚。
func (l *Ledger) Call(caller, target common.Address, value *big.Int, input []byte, static bool) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调用金额不能为负数")
	}
	if value.Sign() > 0 {
		if static {
			return nil, ErrStaticMutation
		}
		balance := l.balances[caller]
		if balance == nil || balance.Cmp(value) < 0 {
			return nil, xerrors.New(xerrors.CodeExecutionFailure,
				fmt.Sprintf("余额不足: %s", caller.Hex()))
		}
		balance.Sub(balance, value)
		l.Credit(target, value)
	}

	handler, ok := l.handlers[target]
	if !ok {
		// 没有注册处理器的目标等价于纯转账。
		return nil, nil
	}
	return handler(TargetCall{
		State:  l,
		Caller: caller,
		Target: target,
		Value:  new(big.Int).Set(value),
		Input:  append([]byte(nil), input...),
		Static: static,
	})
}
