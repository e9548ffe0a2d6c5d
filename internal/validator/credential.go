package validator

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AegisVault/internal/errors"
)

// Credential 是一条生物识别绑定的 P-256 公钥凭据。
// 身份是两个公钥坐标的哈希。
type Credential struct {
	ID     common.Hash `json:"id"`
	X      *big.Int    `json:"x"`
	Y      *big.Int    `json:"y"`
	Active bool        `json:"active"`
	Label  string      `json:"label,omitempty"`
}

// CredentialID 由公钥坐标推导凭据身份。
func CredentialID(x, y *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(x.Bytes(), 32),
		common.LeftPadBytes(y.Bytes(), 32),
	)
}

// NormalizeCredential 校验凭据并返回补全身份后的副本。恢复等特权
// 路径用它在入口处拒绝畸形凭据，而不是等到写入验证器时才发现。
func NormalizeCredential(cred Credential) (Credential, error) {
	normalized, err := normalizeCredential(cred)
	if err != nil {
		return Credential{}, err
	}
	return *normalized, nil
}

// normalizeCredential 校验坐标合法性并补全推导出的身份。
func normalizeCredential(cred Credential) (*Credential, error) {
	if cred.X == nil || cred.Y == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "凭据缺少公钥坐标")
	}
	if !elliptic.P256().IsOnCurve(cred.X, cred.Y) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "凭据公钥不在 P-256 曲线上")
	}
	normalized := Credential{
		ID:     CredentialID(cred.X, cred.Y),
		X:      new(big.Int).Set(cred.X),
		Y:      new(big.Int).Set(cred.Y),
		Active: cred.Active,
		Label:  cred.Label,
	}
	if cred.ID != (common.Hash{}) && cred.ID != normalized.ID {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "凭据身份与公钥坐标不一致")
	}
	return &normalized, nil
}

// verifyProof 校验凭据绑定证明：P-256 ECDSA，摘要绑定挑战与操作哈希。
func verifyProof(cred *Credential, challenge, opHash common.Hash, proof []byte) bool {
	if cred == nil || len(proof) != credentialProofLen {
		return false
	}
	digest := sha256.Sum256(append(challenge.Bytes(), opHash.Bytes()...))
	pub := ecdsa.PublicKey{Curve: elliptic.P256(), X: cred.X, Y: cred.Y}
	r := new(big.Int).SetBytes(proof[:32])
	s := new(big.Int).SetBytes(proof[32:])
	return ecdsa.Verify(&pub, digest[:], r, s)
}

// recoverSigner 从 65 字节 secp256k1 签名恢复签名者地址。
// 任何畸形输入都返回零地址与 false，不会抛错。
func recoverSigner(hash common.Hash, sig []byte) (common.Address, bool) {
	if len(sig) != ownerSigLen {
		return common.Address{}, false
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, false
	}
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pub), true
}
