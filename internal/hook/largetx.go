package hook

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
	"AegisVault/pkg/logger"
)

// Dispatcher 是大额执行器对引擎的依赖面。
type Dispatcher interface {
	account.Env
	ExecuteFromExecutor(executor, acct common.Address, batch []account.Invocation) ([]account.InvocationResult, error)
}

// QueuedBatch 是排队等待时间锁的大额批次。
type QueuedBatch struct {
	ID         string               `json:"id"`
	Account    common.Address       `json:"account"`
	Batch      []account.Invocation `json:"batch"`
	QueuedAt   int64                `json:"queued_at"`
	ReadyAt    int64                `json:"ready_at"`
	TotalValue *big.Int             `json:"total_value"`
}

// LargeTx 是价值防护钩子的配套执行器：大额批次先排队，时间锁走完
// 后才可放行。它以执行器身份转发批次，防护钩子据此识别放行来源。
type LargeTx struct {
	identity   common.Address
	dispatcher Dispatcher
	authorize  Authorizer
	delay      time.Duration

	mu     sync.Mutex
	queued map[common.Address]map[string]*QueuedBatch
}

// NewLargeTx 构造大额执行器。delay 是批次排队后的强制等待。
func NewLargeTx(identity common.Address, dispatcher Dispatcher, authorize Authorizer, delay time.Duration) *LargeTx {
	return &LargeTx{
		identity:   identity,
		dispatcher: dispatcher,
		authorize:  authorize,
		delay:      delay,
		queued:     make(map[common.Address]map[string]*QueuedBatch),
	}
}

// Identity 实现 account.Module。
func (l *LargeTx) Identity() common.Address {
	return l.identity
}

// Kind 实现 account.Module。
func (l *LargeTx) Kind() account.ModuleType {
	return account.ModuleTypeExecutor
}

// OnInstall 无需初始化数据。
func (l *LargeTx) OnInstall(_ account.Env, _ common.Address, _ []byte) error {
	return nil
}

// OnUninstall 丢弃账户的全部排队批次。
func (l *LargeTx) OnUninstall(_ account.Env, acct common.Address, _ []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.queued, acct)
	return nil
}

// Queue 把批次放入时间锁队列，返回批次标识。
func (l *LargeTx) Queue(caller, acct common.Address, batch []account.Invocation) (*QueuedBatch, error) {
	if l.authorize == nil || !l.authorize(caller, acct) {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以排队大额批次")
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
	now := l.dispatcher.Now()
	qb := &QueuedBatch{
		ID:         uuid.NewString(),
		Account:    acct,
		Batch:      cloneBatch(batch),
		QueuedAt:   now.Unix(),
		ReadyAt:    now.Add(l.delay).Unix(),
		TotalValue: totalValue,
	}
	l.mu.Lock()
	byID, ok := l.queued[acct]
	if !ok {
		byID = make(map[string]*QueuedBatch)
		l.queued[acct] = byID
	}
	byID[qb.ID] = qb
	l.mu.Unlock()

	logger.Security("large_batch_queued", acct.Hex(),
		slog.String("batch_id", qb.ID),
		slog.String("total_value", totalValue.String()),
		slog.Int64("ready_at", qb.ReadyAt),
	)
	return cloneQueued(qb), nil
}

// Execute 在时间锁走完后放行排队的批次。派发前先出队，并发的重复
// 放行拿不到同一批次；派发失败则把批次放回队列，时间锁不再重计。
func (l *LargeTx) Execute(caller, acct common.Address, id string) ([]account.InvocationResult, error) {
	if l.authorize == nil || !l.authorize(caller, acct) {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以放行大额批次")
	}
	l.mu.Lock()
	qb, ok := l.queued[acct][id]
	if !ok {
		l.mu.Unlock()
		return nil, xerrors.New(CodeBatchNotFound, "排队批次不存在")
	}
	if l.dispatcher.Now().Unix() < qb.ReadyAt {
		l.mu.Unlock()
		return nil, xerrors.New(CodeBatchPending, "大额批次时间锁尚未走完")
	}
	delete(l.queued[acct], id)
	batch := cloneBatch(qb.Batch)
	l.mu.Unlock()

	results, err := l.dispatcher.ExecuteFromExecutor(l.identity, acct, batch)
	if err != nil {
		l.mu.Lock()
		byID, ok := l.queued[acct]
		if !ok {
			byID = make(map[string]*QueuedBatch)
			l.queued[acct] = byID
		}
		byID[id] = qb
		l.mu.Unlock()
		return nil, err
	}

	logger.Security("large_batch_released", acct.Hex(), slog.String("batch_id", id))
	return results, nil
}

// Cancel 丢弃一条排队中的批次。
func (l *LargeTx) Cancel(caller, acct common.Address, id string) error {
	if l.authorize == nil || !l.authorize(caller, acct) {
		return xerrors.New(xerrors.CodeUnauthorized, "仅账户自身或入口网关可以取消大额批次")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.queued[acct][id]; !ok {
		return xerrors.New(CodeBatchNotFound, "排队批次不存在")
	}
	delete(l.queued[acct], id)
	logger.Security("large_batch_cancelled", acct.Hex(), slog.String("batch_id", id))
	return nil
}

// Queued 返回账户全部排队批次的副本。
func (l *LargeTx) Queued(acct common.Address) []*QueuedBatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	byID := l.queued[acct]
	out := make([]*QueuedBatch, 0, len(byID))
	for _, qb := range byID {
		out = append(out, cloneQueued(qb))
	}
	return out
}

func cloneBatch(batch []account.Invocation) []account.Invocation {
	out := make([]account.Invocation, len(batch))
	for i, inv := range batch {
		out[i] = account.Invocation{
			Target: inv.Target,
			Data:   append([]byte(nil), inv.Data...),
		}
		if inv.Value != nil {
			out[i].Value = new(big.Int).Set(inv.Value)
		}
	}
	return out
}

func cloneQueued(qb *QueuedBatch) *QueuedBatch {
	clone := *qb
	clone.Batch = cloneBatch(qb.Batch)
	if qb.TotalValue != nil {
		clone.TotalValue = new(big.Int).Set(qb.TotalValue)
	}
	return &clone
}

var _ account.Executor = (*LargeTx)(nil)
