package sessionkey

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 会话执行摘要的 ABI 布局：{account, target, value, keccak(callData),
// nonce, chainID}。委托人对该摘要签名，模块在执行时重新推导并要求
// 恢复出的地址与委托人一致。
var digestArgs abi.Arguments

func init() {
	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	bytes32Ty, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	digestArgs = abi.Arguments{
		{Type: addressTy},
		{Type: addressTy},
		{Type: uint256Ty},
		{Type: bytes32Ty},
		{Type: uint256Ty},
		{Type: uint256Ty},
	}
}

// Digest 计算委托人需要签名的会话执行摘要。
func Digest(acct, target common.Address, value *big.Int, callData []byte, nonce uint64, chainID *big.Int) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}
	if chainID == nil {
		chainID = new(big.Int)
	}
	var dataHash [32]byte
	copy(dataHash[:], crypto.Keccak256(callData))
	packed, err := digestArgs.Pack(
		acct,
		target,
		new(big.Int).Set(value),
		dataHash,
		new(big.Int).SetUint64(nonce),
		new(big.Int).Set(chainID),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// recoverDelegate 从 65 字节 secp256k1 签名恢复委托人地址。
func recoverDelegate(digest common.Hash, sig []byte) (common.Address, bool) {
	if len(sig) != 65 {
		return common.Address{}, false
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, false
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pub), true
}
