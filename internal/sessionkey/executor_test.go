package sessionkey

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AegisVault/internal/account"
)

var sessionAcct = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fakeDispatcher struct {
	now      time.Time
	chainID  *big.Int
	calls    []account.Invocation
	executor common.Address
	fail     error
}

func (d *fakeDispatcher) Now() time.Time {
	return d.now
}

func (d *fakeDispatcher) ChainID() *big.Int {
	return new(big.Int).Set(d.chainID)
}

func (d *fakeDispatcher) ExecuteFromExecutor(executor, _ common.Address, batch []account.Invocation) ([]account.InvocationResult, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	d.executor = executor
	d.calls = append(d.calls, batch...)
	return []account.InvocationResult{{Success: true}}, nil
}

func allowAccountSelf(caller, acct common.Address) bool {
	return caller == acct
}

func newSessionModule(t *testing.T) (*Module, *fakeDispatcher) {
	t.Helper()
	dispatcher := &fakeDispatcher{
		now:     time.Unix(1_700_000_000, 0),
		chainID: big.NewInt(7),
	}
	return New(common.HexToAddress("0x1002"), dispatcher, allowAccountSelf), dispatcher
}

func newDelegate(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate delegate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func signSession(t *testing.T, key *ecdsa.PrivateKey, acct, target common.Address, value *big.Int, callData []byte, nonce uint64, chainID *big.Int) []byte {
	t.Helper()
	digest, err := Digest(acct, target, value, callData, nonce, chainID)
	if err != nil {
		t.Fatalf("derive digest: %v", err)
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}
	return sig
}

func TestCreateSessionKeyValidation(t *testing.T) {
	m, d := newSessionModule(t)
	_, delegate := newDelegate(t)
	now := d.now.Unix()

	if _, err := m.CreateSessionKey(common.HexToAddress("0xbad"), sessionAcct, Permission{Delegate: delegate, ValidAfter: now, ValidUntil: now + 60}); err == nil {
		t.Fatal("unauthorized caller accepted")
	}
	if _, err := m.CreateSessionKey(sessionAcct, sessionAcct, Permission{ValidAfter: now, ValidUntil: now + 60}); err == nil {
		t.Fatal("zero delegate accepted")
	}
	if _, err := m.CreateSessionKey(sessionAcct, sessionAcct, Permission{Delegate: delegate, ValidAfter: now + 60, ValidUntil: now}); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}

	grant, err := m.CreateSessionKey(sessionAcct, sessionAcct, Permission{Delegate: delegate, ValidAfter: now - 1, ValidUntil: now + 60})
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}
	if !grant.Active || grant.Nonce != 0 {
		t.Fatalf("unexpected fresh grant: %+v", grant)
	}
	if _, err := m.CreateSessionKey(sessionAcct, sessionAcct, Permission{Delegate: delegate, ValidAfter: now - 1, ValidUntil: now + 60}); !errors.Is(err, ErrGrantExists) {
		t.Fatalf("expected ErrGrantExists, got %v", err)
	}
}

func TestExecuteWithSessionKey(t *testing.T) {
	m, d := newSessionModule(t)
	key, delegate := newDelegate(t)
	now := d.now.Unix()
	target := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	_, err := m.CreateSessionKey(sessionAcct, sessionAcct, Permission{
		Delegate:   delegate,
		ValidAfter: now - 1,
		ValidUntil: now + 3600,
		PerCallCap: big.NewInt(50),
		TotalCap:   big.NewInt(80),
	})
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}

	value := big.NewInt(30)
	sig := signSession(t, key, sessionAcct, target, value, nil, 0, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, value, nil, 0, sig); err != nil {
		t.Fatalf("first spend: %v", err)
	}
	if d.executor != m.Identity() {
		t.Fatalf("dispatch executor = %s, want module identity", d.executor.Hex())
	}

	// nonce 重放被拒绝，花费不变。
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, value, nil, 0, sig); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch on replay, got %v", err)
	}

	grant, err := m.GetSessionKey(sessionAcct, delegate)
	if err != nil {
		t.Fatalf("get grant: %v", err)
	}
	if grant.Nonce != 1 || grant.Spent.Int64() != 30 {
		t.Fatalf("grant after spend: nonce=%d spent=%s", grant.Nonce, grant.Spent)
	}

	// 单笔超限被拒绝。
	overCall := big.NewInt(60)
	sig = signSession(t, key, sessionAcct, target, overCall, nil, 1, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, overCall, nil, 1, sig); !errors.Is(err, ErrPerCallCap) {
		t.Fatalf("expected ErrPerCallCap, got %v", err)
	}

	// 累计超限被拒绝，nonce 不被消耗。
	overTotal := big.NewInt(51)
	sig = signSession(t, key, sessionAcct, target, overTotal, nil, 1, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, overTotal, nil, 1, sig); !errors.Is(err, ErrTotalCap) {
		t.Fatalf("expected ErrTotalCap, got %v", err)
	}

	within := big.NewInt(50)
	sig = signSession(t, key, sessionAcct, target, within, nil, 1, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, within, nil, 1, sig); err != nil {
		t.Fatalf("spend up to total cap: %v", err)
	}
}

func TestSessionKeyConstraintOrdering(t *testing.T) {
	m, d := newSessionModule(t)
	key, delegate := newDelegate(t)
	now := d.now.Unix()
	allowed := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	denied := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	_, err := m.CreateSessionKey(sessionAcct, sessionAcct, Permission{
		Delegate:         delegate,
		ValidAfter:       now - 1,
		ValidUntil:       now + 3600,
		AllowedTargets:   []common.Address{allowed, sessionAcct},
		AllowedSelectors: []account.Selector{{0xde, 0xad, 0xbe, 0xef}},
	})
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}
	callData := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}

	sig := signSession(t, key, sessionAcct, denied, nil, callData, 0, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, denied, nil, callData, 0, sig); !errors.Is(err, ErrTargetDenied) {
		t.Fatalf("expected ErrTargetDenied, got %v", err)
	}

	badSelector := []byte{0x00, 0x11, 0x22, 0x33}
	sig = signSession(t, key, sessionAcct, allowed, nil, badSelector, 0, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, allowed, nil, badSelector, 0, sig); !errors.Is(err, ErrSelectorDenied) {
		t.Fatalf("expected ErrSelectorDenied, got %v", err)
	}

	// 自调用在所有清单检查之后仍被拒绝。
	sig = signSession(t, key, sessionAcct, sessionAcct, nil, callData, 0, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, sessionAcct, nil, callData, 0, sig); !errors.Is(err, ErrSelfCall) {
		t.Fatalf("expected ErrSelfCall, got %v", err)
	}

	// 任何失败都不消耗 nonce。
	grant, _ := m.GetSessionKey(sessionAcct, delegate)
	if grant.Nonce != 0 {
		t.Fatalf("nonce = %d after rejected attempts, want 0", grant.Nonce)
	}

	sig = signSession(t, key, sessionAcct, allowed, nil, callData, 0, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, allowed, nil, callData, 0, sig); err != nil {
		t.Fatalf("allowed call: %v", err)
	}
}

func TestSessionKeyWindowAndRevocation(t *testing.T) {
	m, d := newSessionModule(t)
	key, delegate := newDelegate(t)
	now := d.now.Unix()
	target := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	_, err := m.CreateSessionKey(sessionAcct, sessionAcct, Permission{
		Delegate:   delegate,
		ValidAfter: now + 100,
		ValidUntil: now + 200,
	})
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}

	sig := signSession(t, key, sessionAcct, target, nil, nil, 0, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, nil, nil, 0, sig); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("before window, expected ErrWindowClosed, got %v", err)
	}

	d.now = time.Unix(now+150, 0)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, nil, nil, 0, sig); err != nil {
		t.Fatalf("inside window: %v", err)
	}

	d.now = time.Unix(now+200, 0)
	sig = signSession(t, key, sessionAcct, target, nil, nil, 1, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, nil, nil, 1, sig); !errors.Is(err, ErrWindowClosed) {
		t.Fatalf("validUntil is exclusive, expected ErrWindowClosed, got %v", err)
	}

	d.now = time.Unix(now+150, 0)
	if err := m.RevokeSessionKey(sessionAcct, sessionAcct, delegate); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, nil, nil, 1, sig); !errors.Is(err, ErrGrantInactive) {
		t.Fatalf("expected ErrGrantInactive, got %v", err)
	}
}

func TestSessionKeySignatureBinding(t *testing.T) {
	m, d := newSessionModule(t)
	key, delegate := newDelegate(t)
	now := d.now.Unix()
	target := common.HexToAddress("0x00000000000000000000000000000000000000b1")

	_, err := m.CreateSessionKey(sessionAcct, sessionAcct, Permission{
		Delegate:   delegate,
		ValidAfter: now - 1,
		ValidUntil: now + 3600,
	})
	if err != nil {
		t.Fatalf("create session key: %v", err)
	}

	// 签名对不同目标不可迁移。
	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	sig := signSession(t, key, sessionAcct, other, nil, nil, 0, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, nil, nil, 0, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for retargeted sig, got %v", err)
	}

	// 其他链的签名不可重放。
	sig = signSession(t, key, sessionAcct, target, nil, nil, 0, big.NewInt(99))
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, nil, nil, 0, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for cross-chain sig, got %v", err)
	}

	// 陌生密钥签名被拒绝。
	strangerKey, _ := newDelegate(t)
	sig = signSession(t, strangerKey, sessionAcct, target, nil, nil, 0, d.chainID)
	if _, err := m.ExecuteWithSessionKey(sessionAcct, delegate, target, nil, nil, 0, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for stranger sig, got %v", err)
	}
}
