package account

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Operation 是外部提交的一次待授权执行意图。
// Signature 是授权信封，具体格式由其字节长度决定。
type Operation struct {
	Account common.Address `json:"account"`
	Nonce   uint64         `json:"nonce"`
	Mode    Mode           `json:"mode"`
	Batch   []Invocation   `json:"batch"`
	// Signature 的长度编码授权路径，是线上契约的一部分。
	Signature []byte `json:"signature"`
}

// TotalValue 返回批次内全部调用金额之和。
func (op *Operation) TotalValue() *big.Int {
	total := new(big.Int)
	for _, inv := range op.Batch {
		if inv.Value != nil {
			total.Add(total, inv.Value)
		}
	}
	return total
}

// HashBatch 计算批次的承诺哈希：逐项打包 target ‖ value ‖ keccak(data)。
func HashBatch(batch []Invocation) common.Hash {
	packed := make([]byte, 0, len(batch)*84)
	for _, inv := range batch {
		packed = append(packed, inv.Target.Bytes()...)
		value := inv.Value
		if value == nil {
			value = new(big.Int)
		}
		packed = append(packed, math.U256Bytes(new(big.Int).Set(value))...)
		packed = append(packed, crypto.Keccak256(inv.Data)...)
	}
	return crypto.Keccak256Hash(packed)
}

// OpHash 计算操作的签名摘要，绑定账户、nonce、模式、批次承诺与链 ID。
func OpHash(op *Operation, chainID *big.Int) common.Hash {
	if op == nil {
		return common.Hash{}
	}
	if chainID == nil {
		chainID = new(big.Int)
	}
	packed := make([]byte, 0, 20+8+2+32+32)
	packed = append(packed, op.Account.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).SetUint64(op.Nonce))...)
	packed = append(packed, op.Mode.Encode()...)
	packed = append(packed, HashBatch(op.Batch).Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(chainID))...)
	return crypto.Keccak256Hash(packed)
}
