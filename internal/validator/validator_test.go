package validator

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var testAcct = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func allowAccountSelf(caller, acct common.Address) bool {
	return caller == acct
}

func newOwnerKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate owner key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func newCredentialKey(t *testing.T) (*ecdsa.PrivateKey, Credential) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate credential key: %v", err)
	}
	return key, Credential{
		X:      key.PublicKey.X,
		Y:      key.PublicKey.Y,
		Active: true,
		Label:  "touch-id",
	}
}

func installModule(t *testing.T, m *Module, owner common.Address, multiFactor bool, creds ...Credential) {
	t.Helper()
	initData, err := json.Marshal(InitData{Owner: owner, MultiFactor: multiFactor, Credentials: creds})
	if err != nil {
		t.Fatalf("marshal init data: %v", err)
	}
	if err := m.OnInstall(nil, testAcct, initData); err != nil {
		t.Fatalf("install validator: %v", err)
	}
}

func ownerSign(t *testing.T, key *ecdsa.PrivateKey, hash common.Hash) []byte {
	t.Helper()
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		t.Fatalf("owner sign: %v", err)
	}
	return sig
}

func credentialProve(t *testing.T, key *ecdsa.PrivateKey, challenge, opHash common.Hash) []byte {
	t.Helper()
	digest := sha256.Sum256(append(challenge.Bytes(), opHash.Bytes()...))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("credential sign: %v", err)
	}
	proof := make([]byte, credentialProofLen)
	copy(proof[:32], common.LeftPadBytes(r.Bytes(), 32))
	copy(proof[32:], common.LeftPadBytes(s.Bytes(), 32))
	return proof
}

func multiFactorEnvelope(ownerSig, proof []byte, credID, challenge common.Hash) []byte {
	env := make([]byte, 0, multiFactorLen)
	env = append(env, ownerSig...)
	env = append(env, proof...)
	env = append(env, credID.Bytes()...)
	env = append(env, challenge.Bytes()...)
	return env
}

func TestOwnerSignaturePath(t *testing.T) {
	m := New(common.HexToAddress("0x1001"), allowAccountSelf)
	ownerKey, owner := newOwnerKey(t)
	installModule(t, m, owner, false)

	hash := crypto.Keccak256Hash([]byte("payload"))
	sig := ownerSign(t, ownerKey, hash)

	if !m.ValidSignature(nil, testAcct, hash, sig) {
		t.Fatal("valid owner signature rejected")
	}

	// V 偏移 27 的链上编码同样可恢复。
	shifted := append([]byte(nil), sig...)
	shifted[64] += 27
	if !m.ValidSignature(nil, testAcct, hash, shifted) {
		t.Fatal("v+27 owner signature rejected")
	}

	otherKey, _ := newOwnerKey(t)
	if m.ValidSignature(nil, testAcct, hash, ownerSign(t, otherKey, hash)) {
		t.Fatal("foreign signature accepted")
	}
	if m.ValidSignature(nil, testAcct, hash, sig[:64]) {
		t.Fatal("truncated envelope accepted")
	}
	if m.ValidSignature(nil, testAcct, hash, append(sig, 0x00)) {
		t.Fatal("oversized envelope accepted")
	}
}

func TestMultiFactorEnvelope(t *testing.T) {
	m := New(common.HexToAddress("0x1001"), allowAccountSelf)
	ownerKey, owner := newOwnerKey(t)
	credKey, cred := newCredentialKey(t)
	installModule(t, m, owner, true, cred)

	hash := crypto.Keccak256Hash([]byte("payload"))
	credID := CredentialID(cred.X, cred.Y)
	challenge := ExpectedChallenge(testAcct, hash)

	ownerSig := ownerSign(t, ownerKey, hash)
	proof := credentialProve(t, credKey, challenge, hash)
	env := multiFactorEnvelope(ownerSig, proof, credID, challenge)

	if !m.ValidSignature(nil, testAcct, hash, env) {
		t.Fatal("valid multi-factor envelope rejected")
	}

	// 多因子模式下单独的 owner 签名不充分。
	if m.ValidSignature(nil, testAcct, hash, ownerSig) {
		t.Fatal("bare owner signature accepted under multi-factor")
	}

	// 挑战绑定错误的信封被拒绝。
	badChallenge := crypto.Keccak256Hash([]byte("other"))
	badEnv := multiFactorEnvelope(ownerSig, credentialProve(t, credKey, badChallenge, hash), credID, badChallenge)
	if m.ValidSignature(nil, testAcct, hash, badEnv) {
		t.Fatal("envelope with wrong challenge accepted")
	}

	// 未登记的凭据身份被拒绝。
	unknown := multiFactorEnvelope(ownerSig, proof, crypto.Keccak256Hash([]byte("ghost")), challenge)
	if m.ValidSignature(nil, testAcct, hash, unknown) {
		t.Fatal("envelope with unknown credential accepted")
	}
}

func TestInactiveCredentialRejected(t *testing.T) {
	m := New(common.HexToAddress("0x1001"), allowAccountSelf)
	ownerKey, owner := newOwnerKey(t)
	credKey, cred := newCredentialKey(t)
	cred.Active = false
	installModule(t, m, owner, false, cred)

	hash := crypto.Keccak256Hash([]byte("payload"))
	challenge := ExpectedChallenge(testAcct, hash)
	env := multiFactorEnvelope(
		ownerSign(t, ownerKey, hash),
		credentialProve(t, credKey, challenge, hash),
		CredentialID(cred.X, cred.Y),
		challenge,
	)
	if m.ValidSignature(nil, testAcct, hash, env) {
		t.Fatal("inactive credential accepted")
	}
}

func TestCredentialLifecycle(t *testing.T) {
	m := New(common.HexToAddress("0x1001"), allowAccountSelf)
	_, owner := newOwnerKey(t)
	_, cred := newCredentialKey(t)
	installModule(t, m, owner, false, cred)

	if err := m.AddCredential(testAcct, testAcct, cred); !errors.Is(err, ErrCredentialExists) {
		t.Fatalf("duplicate credential should conflict, got %v", err)
	}
	_, second := newCredentialKey(t)
	if err := m.AddCredential(testAcct, testAcct, second); err != nil {
		t.Fatalf("add second credential: %v", err)
	}
	if got := len(m.Credentials(testAcct)); got != 2 {
		t.Fatalf("credential count = %d, want 2", got)
	}

	if err := m.AddCredential(common.HexToAddress("0xbad"), testAcct, second); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unauthorized caller should be rejected, got %v", err)
	}
	if err := m.RemoveCredential(testAcct, testAcct, crypto.Keccak256Hash([]byte("nope"))); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("removing unknown credential, got %v", err)
	}
}

func TestMultiFactorGuardsLastCredential(t *testing.T) {
	m := New(common.HexToAddress("0x1001"), allowAccountSelf)
	_, owner := newOwnerKey(t)

	// 没有激活凭据时禁止开启多因子。
	installModule(t, m, owner, false)
	if err := m.SetMultiFactor(testAcct, testAcct, true); !errors.Is(err, ErrNoActiveCredential) {
		t.Fatalf("expected ErrNoActiveCredential, got %v", err)
	}

	_, cred := newCredentialKey(t)
	if err := m.AddCredential(testAcct, testAcct, cred); err != nil {
		t.Fatalf("add credential: %v", err)
	}
	if err := m.SetMultiFactor(testAcct, testAcct, true); err != nil {
		t.Fatalf("enable multi-factor: %v", err)
	}

	// 多因子开启时最后一个激活凭据受保护。
	id := CredentialID(cred.X, cred.Y)
	if err := m.RemoveCredential(testAcct, testAcct, id); !errors.Is(err, ErrLastCredential) {
		t.Fatalf("expected ErrLastCredential, got %v", err)
	}

	// 关闭多因子后即可移除。
	if err := m.SetMultiFactor(testAcct, testAcct, false); err != nil {
		t.Fatalf("disable multi-factor: %v", err)
	}
	if err := m.RemoveCredential(testAcct, testAcct, id); err != nil {
		t.Fatalf("remove credential: %v", err)
	}
}

func TestApplyRecoveryPrivilegedPath(t *testing.T) {
	m := New(common.HexToAddress("0x1001"), allowAccountSelf)
	_, owner := newOwnerKey(t)
	_, oldCred := newCredentialKey(t)
	installModule(t, m, owner, false, oldCred)

	recoverer := common.HexToAddress("0x1003")
	_, newOwner := newOwnerKey(t)
	_, newCred := newCredentialKey(t)

	if err := m.ApplyRecovery(recoverer, testAcct, newCred, newOwner); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unregistered recoverer should be rejected, got %v", err)
	}

	m.AuthorizeRecoverer(recoverer)
	if err := m.ApplyRecovery(recoverer, testAcct, newCred, newOwner); err != nil {
		t.Fatalf("apply recovery: %v", err)
	}

	got, ok := m.OwnerOf(testAcct)
	if !ok || got != newOwner {
		t.Fatalf("owner = %s, want %s", got.Hex(), newOwner.Hex())
	}
	creds := m.Credentials(testAcct)
	if len(creds) != 1 || creds[0].ID != CredentialID(newCred.X, newCred.Y) {
		t.Fatalf("recovery must replace the credential set, got %+v", creds)
	}
}

func TestRecoveryKeepsMultiFactorUsable(t *testing.T) {
	m := New(common.HexToAddress("0x1001"), allowAccountSelf)
	_, owner := newOwnerKey(t)
	_, oldCred := newCredentialKey(t)
	installModule(t, m, owner, true, oldCred)

	recoverer := common.HexToAddress("0x1003")
	m.AuthorizeRecoverer(recoverer)

	// 多因子开启时，带入未激活凭据的恢复会把账户锁死，必须拒绝。
	_, inactive := newCredentialKey(t)
	inactive.Active = false
	_, newOwner := newOwnerKey(t)
	if err := m.ApplyRecovery(recoverer, testAcct, inactive, newOwner); !errors.Is(err, ErrNoActiveCredential) {
		t.Fatalf("inactive replacement credential, got %v", err)
	}

	// 被拒绝的恢复不得留下任何状态变更。
	got, ok := m.OwnerOf(testAcct)
	if !ok || got != owner {
		t.Fatalf("owner = %s, want the original owner", got.Hex())
	}
	creds := m.Credentials(testAcct)
	if len(creds) != 1 || creds[0].ID != CredentialID(oldCred.X, oldCred.Y) || !creds[0].Active {
		t.Fatalf("credential set mutated by rejected recovery: %+v", creds)
	}
	if !m.MultiFactorEnabled(testAcct) {
		t.Fatal("multi-factor flag mutated by rejected recovery")
	}

	// 激活凭据的恢复正常通过。
	_, replacement := newCredentialKey(t)
	if err := m.ApplyRecovery(recoverer, testAcct, replacement, newOwner); err != nil {
		t.Fatalf("apply recovery: %v", err)
	}
	creds = m.Credentials(testAcct)
	if len(creds) != 1 || !creds[0].Active {
		t.Fatalf("recovered credential set: %+v", creds)
	}
}

func TestInstallRejectsBadCredentials(t *testing.T) {
	m := New(common.HexToAddress("0x1001"), allowAccountSelf)
	_, owner := newOwnerKey(t)

	// 不在曲线上的公钥坐标被拒绝。
	offCurve := Credential{X: big.NewInt(1), Y: big.NewInt(2), Active: true}
	initData, _ := json.Marshal(InitData{Owner: owner, Credentials: []Credential{offCurve}})
	if err := m.OnInstall(nil, testAcct, initData); err == nil {
		t.Fatal("off-curve credential accepted")
	}

	// 声明的身份与公钥坐标不一致被拒绝。
	_, cred := newCredentialKey(t)
	cred.ID = crypto.Keccak256Hash([]byte("forged"))
	initData, _ = json.Marshal(InitData{Owner: owner, Credentials: []Credential{cred}})
	if err := m.OnInstall(nil, testAcct, initData); err == nil {
		t.Fatal("forged credential id accepted")
	}

	// 多因子开启要求至少一个激活凭据。
	initData, _ = json.Marshal(InitData{Owner: owner, MultiFactor: true})
	if err := m.OnInstall(nil, testAcct, initData); !errors.Is(err, ErrNoActiveCredential) {
		t.Fatalf("expected ErrNoActiveCredential, got %v", err)
	}
}
