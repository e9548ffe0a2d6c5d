package validator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
)

// 信封的线上布局。签名字节长度决定授权格式，这是线上契约的一部分：
// 畸形长度一律拒绝，绝不截断或补齐。
const (
	ownerSigLen        = 65
	credentialProofLen = 64
	// multiFactorLen = owner 签名 ‖ 凭据证明 ‖ 凭据身份 ‖ 挑战绑定。
	multiFactorLen = ownerSigLen + credentialProofLen + 32 + 32
)

// EnvelopeKind 是按长度解码出的显式判别变体。
type EnvelopeKind uint8

const (
	EnvelopeOwner EnvelopeKind = iota
	EnvelopeMultiFactor
)

// Envelope 是解码后的授权信封。
type Envelope struct {
	Kind            EnvelopeKind
	OwnerSig        []byte
	CredentialProof []byte
	CredentialID    common.Hash
	Challenge       common.Hash
}

// DecodeEnvelope 按字节长度将信封解码为显式变体。
func DecodeEnvelope(sig []byte) (Envelope, error) {
	switch len(sig) {
	case ownerSigLen:
		return Envelope{
			Kind:     EnvelopeOwner,
			OwnerSig: append([]byte(nil), sig...),
		}, nil
	case multiFactorLen:
		env := Envelope{
			Kind:            EnvelopeMultiFactor,
			OwnerSig:        append([]byte(nil), sig[:ownerSigLen]...),
			CredentialProof: append([]byte(nil), sig[ownerSigLen:ownerSigLen+credentialProofLen]...),
		}
		offset := ownerSigLen + credentialProofLen
		env.CredentialID = common.BytesToHash(sig[offset : offset+32])
		env.Challenge = common.BytesToHash(sig[offset+32 : offset+64])
		return env, nil
	default:
		return Envelope{}, xerrors.New(CodeBadEnvelope, "信封长度不在支持的格式内")
	}
}

// ExpectedChallenge 计算多因子信封必须携带的挑战绑定值。
func ExpectedChallenge(acct common.Address, opHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(acct.Bytes(), opHash.Bytes())
}

// ValidateOperation 实现 account.Validator：对操作信封做完整裁决。
func (m *Module) ValidateOperation(_ account.Env, acct common.Address, op *account.Operation, opHash common.Hash, _ *big.Int) account.ValidationData {
	if op == nil {
		return account.ValidationFailed
	}
	if !m.verify(acct, opHash, op.Signature) {
		return account.ValidationFailed
	}
	return account.ValidationData{}
}

// ValidSignature 实现 account.Validator 的离线签名检查。
// 纯校验路径：失败退化为 false，永不报错。
func (m *Module) ValidSignature(_ account.Env, acct common.Address, hash common.Hash, sig []byte) bool {
	return m.verify(acct, hash, sig)
}

// verify 按账户当前模式裁决信封。
// 多因子模式要求三要素全部成立：凭据存在且激活、证明可验、owner 签名可验。
func (m *Module) verify(acct common.Address, hash common.Hash, sig []byte) bool {
	env, err := DecodeEnvelope(sig)
	if err != nil {
		return false
	}

	m.mu.RLock()
	st, ok := m.accounts[acct]
	if !ok {
		m.mu.RUnlock()
		return false
	}
	multiFactor := st.multiFactor
	owner := st.owner
	var cred *Credential
	if env.Kind == EnvelopeMultiFactor {
		if stored, found := st.credentials[env.CredentialID]; found {
			credCopy := *stored
			cred = &credCopy
		}
	}
	m.mu.RUnlock()

	switch env.Kind {
	case EnvelopeOwner:
		if multiFactor {
			// 多因子模式下单独的 owner 签名不充分。
			return false
		}
		signer, ok := recoverSigner(hash, env.OwnerSig)
		return ok && signer == owner
	case EnvelopeMultiFactor:
		if cred == nil || !cred.Active {
			return false
		}
		if env.Challenge != ExpectedChallenge(acct, hash) {
			return false
		}
		if !verifyProof(cred, env.Challenge, hash, env.CredentialProof) {
			return false
		}
		signer, ok := recoverSigner(hash, env.OwnerSig)
		return ok && signer == owner
	default:
		return false
	}
}
