package account

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type stubValidator struct {
	identity      common.Address
	fail          bool
	failInstall   bool
	failUninstall bool
	installs      int
	uninstalls    int
}

func (v *stubValidator) Identity() common.Address { return v.identity }
func (v *stubValidator) Kind() ModuleType         { return ModuleTypeValidator }
func (v *stubValidator) OnInstall(_ Env, _ common.Address, _ []byte) error {
	if v.failInstall {
		return errors.New("install refused")
	}
	v.installs++
	return nil
}
func (v *stubValidator) OnUninstall(_ Env, _ common.Address, _ []byte) error {
	if v.failUninstall {
		return errors.New("uninstall refused")
	}
	v.uninstalls++
	return nil
}
func (v *stubValidator) ValidateOperation(_ Env, _ common.Address, _ *Operation, _ common.Hash, _ *big.Int) ValidationData {
	return ValidationData{Failed: v.fail}
}
func (v *stubValidator) ValidSignature(_ Env, _ common.Address, _ common.Hash, _ []byte) bool {
	return !v.fail
}

type stubExecutor struct {
	identity common.Address
}

func (e *stubExecutor) Identity() common.Address                         { return e.identity }
func (e *stubExecutor) Kind() ModuleType                                 { return ModuleTypeExecutor }
func (e *stubExecutor) OnInstall(_ Env, _ common.Address, _ []byte) error { return nil }
func (e *stubExecutor) OnUninstall(_ Env, _ common.Address, _ []byte) error {
	return nil
}

type stubHook struct {
	identity common.Address
	vetoPre  bool
	vetoPost bool
	gotPost  []byte
}

func (h *stubHook) Identity() common.Address                          { return h.identity }
func (h *stubHook) Kind() ModuleType                                  { return ModuleTypeHook }
func (h *stubHook) OnInstall(_ Env, _ common.Address, _ []byte) error  { return nil }
func (h *stubHook) OnUninstall(_ Env, _ common.Address, _ []byte) error { return nil }
func (h *stubHook) PreCheck(_ Env, _ common.Address, _ common.Address, _ *big.Int, _ []Invocation) ([]byte, error) {
	if h.vetoPre {
		return nil, errors.New("pre veto")
	}
	return []byte("ctx"), nil
}
func (h *stubHook) PostCheck(_ Env, _ common.Address, preContext []byte) error {
	h.gotPost = append([]byte(nil), preContext...)
	if h.vetoPost {
		return errors.New("post veto")
	}
	return nil
}

type stubFallback struct {
	identity common.Address
}

func (f *stubFallback) Identity() common.Address                          { return f.identity }
func (f *stubFallback) Kind() ModuleType                                  { return ModuleTypeFallback }
func (f *stubFallback) OnInstall(_ Env, _ common.Address, _ []byte) error  { return nil }
func (f *stubFallback) OnUninstall(_ Env, _ common.Address, _ []byte) error { return nil }
func (f *stubFallback) HandleFallback(_ Env, _ common.Address, _ common.Address, _ *big.Int, data []byte) ([]byte, error) {
	return append([]byte("echo:"), data[:4]...), nil
}

func newTestEngine(t *testing.T) (*Engine, *stubValidator, common.Address) {
	t.Helper()
	engine := NewEngine(big.NewInt(7), WithClock(func() time.Time {
		return time.Unix(1_700_000_000, 0)
	}))
	validator := &stubValidator{identity: common.HexToAddress("0x1001")}
	if err := engine.RegisterModule(validator); err != nil {
		t.Fatalf("register validator: %v", err)
	}
	owner := common.HexToAddress("0xabcd")
	addr, err := engine.CreateAccount(owner, common.HexToHash("0x01"), validator.identity, nil)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return engine, validator, addr
}

func TestCreateAccountDeterministic(t *testing.T) {
	engine, validator, addr := newTestEngine(t)
	owner := common.HexToAddress("0xabcd")
	salt := common.HexToHash("0x01")

	if got := engine.PredictAddress(owner, salt); got != addr {
		t.Fatalf("predicted %s, created %s", got.Hex(), addr.Hex())
	}

	again, err := engine.CreateAccount(owner, salt, validator.identity, nil)
	if err != nil {
		t.Fatalf("repeated create: %v", err)
	}
	if again != addr {
		t.Fatalf("repeated create returned %s, want %s", again.Hex(), addr.Hex())
	}
	if validator.installs != 1 {
		t.Fatalf("expected a single validator install, got %d", validator.installs)
	}

	other, err := engine.CreateAccount(owner, common.HexToHash("0x02"), validator.identity, nil)
	if err != nil {
		t.Fatalf("create with different salt: %v", err)
	}
	if other == addr {
		t.Fatal("different salt must derive a different address")
	}
}

func TestCreateAccountRejectsBadInput(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if _, err := engine.CreateAccount(common.Address{}, common.HexToHash("0x03"), common.HexToAddress("0x1001"), nil); err == nil {
		t.Fatal("expected zero owner to be rejected")
	}
	if _, err := engine.CreateAccount(common.HexToAddress("0x1"), common.HexToHash("0x03"), common.HexToAddress("0xdead"), nil); !errors.Is(err, ErrInvalidModule) {
		t.Fatalf("expected ErrInvalidModule for unknown validator, got %v", err)
	}
}

func TestValidatorReplaceIsAtomic(t *testing.T) {
	engine, oldValidator, addr := newTestEngine(t)

	replacement := &stubValidator{identity: common.HexToAddress("0x2001")}
	if err := engine.RegisterModule(replacement); err != nil {
		t.Fatalf("register replacement: %v", err)
	}

	if err := engine.InstallModule(addr, addr, ModuleTypeValidator, replacement.identity, nil); err != nil {
		t.Fatalf("replace validator: %v", err)
	}
	if oldValidator.uninstalls != 1 {
		t.Fatalf("old validator uninstalls = %d, want 1", oldValidator.uninstalls)
	}
	if replacement.installs != 1 {
		t.Fatalf("replacement installs = %d, want 1", replacement.installs)
	}

	acct, err := engine.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Validator != replacement.identity {
		t.Fatalf("validator binding = %s, want %s", acct.Validator.Hex(), replacement.identity.Hex())
	}

	if err := engine.InstallModule(addr, addr, ModuleTypeValidator, replacement.identity, nil); !errors.Is(err, ErrModuleInstalled) {
		t.Fatalf("re-installing the active validator should conflict, got %v", err)
	}
}

func TestValidatorReplaceRollsBackOnFailure(t *testing.T) {
	engine, oldValidator, addr := newTestEngine(t)

	// 新验证器拒绝安装：旧验证器的状态必须原封不动。
	refusing := &stubValidator{identity: common.HexToAddress("0x2001"), failInstall: true}
	if err := engine.RegisterModule(refusing); err != nil {
		t.Fatalf("register refusing validator: %v", err)
	}
	if err := engine.InstallModule(addr, addr, ModuleTypeValidator, refusing.identity, nil); err == nil {
		t.Fatal("failing install accepted")
	}
	if oldValidator.uninstalls != 0 {
		t.Fatalf("old validator state wiped by aborted replace, uninstalls = %d", oldValidator.uninstalls)
	}
	acct, _ := engine.GetAccount(addr)
	if acct.Validator != oldValidator.identity {
		t.Fatalf("validator binding = %s, want the old validator", acct.Validator.Hex())
	}
	if !engine.IsValidSignature(addr, common.HexToHash("0xaa"), []byte("sig")) {
		t.Fatal("old validator must keep validating after the aborted replace")
	}

	// 旧验证器拒绝卸载：已装好的新验证器要回退。
	oldValidator.failUninstall = true
	replacement := &stubValidator{identity: common.HexToAddress("0x2002")}
	if err := engine.RegisterModule(replacement); err != nil {
		t.Fatalf("register replacement: %v", err)
	}
	if err := engine.InstallModule(addr, addr, ModuleTypeValidator, replacement.identity, nil); err == nil {
		t.Fatal("replace with refusing uninstall accepted")
	}
	if replacement.installs != 1 || replacement.uninstalls != 1 {
		t.Fatalf("replacement must be rolled back, installs=%d uninstalls=%d", replacement.installs, replacement.uninstalls)
	}
	acct, _ = engine.GetAccount(addr)
	if acct.Validator != oldValidator.identity {
		t.Fatalf("validator binding = %s, want the old validator", acct.Validator.Hex())
	}
}

func TestValidatorCannotBeUninstalled(t *testing.T) {
	engine, validator, addr := newTestEngine(t)

	err := engine.UninstallModule(addr, addr, ModuleTypeValidator, validator.identity, nil)
	if !errors.Is(err, ErrValidatorRequired) {
		t.Fatalf("expected ErrValidatorRequired, got %v", err)
	}
	acct, _ := engine.GetAccount(addr)
	if acct.Validator != validator.identity {
		t.Fatal("validator binding must survive a rejected uninstall")
	}
}

func TestExecutorInstallLifecycle(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	executor := &stubExecutor{identity: common.HexToAddress("0x3001")}
	if err := engine.RegisterModule(executor); err != nil {
		t.Fatalf("register executor: %v", err)
	}

	if err := engine.InstallModule(common.HexToAddress("0xbad"), addr, ModuleTypeExecutor, executor.identity, nil); !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("expected ErrUnauthorizedCaller, got %v", err)
	}
	if err := engine.InstallModule(addr, addr, ModuleTypeExecutor, executor.identity, nil); err != nil {
		t.Fatalf("install executor: %v", err)
	}
	if !engine.IsModuleInstalled(addr, ModuleTypeExecutor, executor.identity, nil) {
		t.Fatal("executor binding missing")
	}
	if err := engine.InstallModule(addr, addr, ModuleTypeExecutor, executor.identity, nil); !errors.Is(err, ErrModuleInstalled) {
		t.Fatalf("duplicate executor install should conflict, got %v", err)
	}
	if err := engine.UninstallModule(addr, addr, ModuleTypeExecutor, executor.identity, nil); err != nil {
		t.Fatalf("uninstall executor: %v", err)
	}
	if engine.IsModuleInstalled(addr, ModuleTypeExecutor, executor.identity, nil) {
		t.Fatal("executor binding must be gone after uninstall")
	}
	if err := engine.UninstallModule(addr, addr, ModuleTypeExecutor, executor.identity, nil); !errors.Is(err, ErrModuleNotInstalled) {
		t.Fatalf("expected ErrModuleNotInstalled, got %v", err)
	}
}

func TestFallbackRouting(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	handler := &stubFallback{identity: common.HexToAddress("0x4001")}
	if err := engine.RegisterModule(handler); err != nil {
		t.Fatalf("register fallback: %v", err)
	}
	selector := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := engine.InstallModule(addr, addr, ModuleTypeFallback, handler.identity, selector); err != nil {
		t.Fatalf("install fallback: %v", err)
	}
	if !engine.IsModuleInstalled(addr, ModuleTypeFallback, handler.identity, selector) {
		t.Fatal("fallback binding missing")
	}

	results, err := engine.Execute(addr, addr, Mode{Call: CallTypeSingle}, []Invocation{{
		Target: addr,
		Data:   append(selector, 0x01),
	}})
	if err != nil {
		t.Fatalf("execute fallback call: %v", err)
	}
	if string(results[0].Output) != "echo:\xde\xad\xbe\xef" {
		t.Fatalf("unexpected fallback output: %q", results[0].Output)
	}

	// 未绑定的选择器退化为目标调用原语。
	if _, err := engine.Execute(addr, addr, Mode{Call: CallTypeSingle}, []Invocation{{
		Target: addr,
		Data:   []byte{0x00, 0x00, 0x00, 0x01},
	}}); err != nil {
		t.Fatalf("unbound selector should be a plain call: %v", err)
	}
}

func TestExecuteDefaultAbortsAndRollsBack(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	ledger := engine.Ledger()
	ledger.Credit(addr, big.NewInt(100))

	sink := common.HexToAddress("0x5001")
	boom := common.HexToAddress("0x5002")
	ledger.RegisterTarget(boom, func(TargetCall) ([]byte, error) {
		return nil, errors.New("boom")
	})

	_, err := engine.Execute(addr, addr, Mode{Call: CallTypeBatch}, []Invocation{
		{Target: sink, Value: big.NewInt(40)},
		{Target: boom},
	})
	if err == nil {
		t.Fatal("expected batch abort")
	}
	if ledger.Balance(addr).Int64() != 100 {
		t.Fatalf("account balance = %d, want 100 after rollback", ledger.Balance(addr).Int64())
	}
	if ledger.Balance(sink).Int64() != 0 {
		t.Fatalf("sink balance = %d, want 0 after rollback", ledger.Balance(sink).Int64())
	}
}

func TestExecuteTryKeepsSuccessfulItems(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	ledger := engine.Ledger()
	ledger.Credit(addr, big.NewInt(100))

	sink := common.HexToAddress("0x5001")
	boom := common.HexToAddress("0x5002")
	ledger.RegisterTarget(boom, func(TargetCall) ([]byte, error) {
		return nil, errors.New("boom")
	})

	results, err := engine.Execute(addr, addr, Mode{Call: CallTypeBatch, Exec: ExecTypeTry}, []Invocation{
		{Target: sink, Value: big.NewInt(40)},
		{Target: boom, Value: big.NewInt(10)},
		{Target: sink, Value: big.NewInt(20)},
	})
	if err != nil {
		t.Fatalf("try batch: %v", err)
	}
	if !results[0].Success || results[1].Success || !results[2].Success {
		t.Fatalf("unexpected result pattern: %+v", results)
	}
	if results[1].Err == "" {
		t.Fatal("failed item must carry its error")
	}
	if ledger.Balance(sink).Int64() != 60 {
		t.Fatalf("sink balance = %d, want 60", ledger.Balance(sink).Int64())
	}
	// 失败项的转账被回滚。
	if ledger.Balance(addr).Int64() != 40 {
		t.Fatalf("account balance = %d, want 40", ledger.Balance(addr).Int64())
	}
}

func TestExecuteModeValidation(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	target := common.HexToAddress("0x5001")

	if _, err := engine.Execute(addr, addr, Mode{Call: CallTypeDelegate}, []Invocation{{Target: target}}); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("delegate mode must be rejected, got %v", err)
	}
	if _, err := engine.Execute(addr, addr, Mode{Call: CallTypeStatic, Exec: ExecTypeTry}, []Invocation{{Target: target}}); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("static+try must be rejected, got %v", err)
	}
	if _, err := engine.Execute(addr, addr, Mode{Call: CallTypeSingle}, []Invocation{{Target: target}, {Target: target}}); err == nil {
		t.Fatal("single mode with two invocations must be rejected")
	}
	if _, err := engine.Execute(addr, addr, Mode{Call: CallTypeBatch}, nil); err == nil {
		t.Fatal("empty batch must be rejected")
	}
	if _, err := engine.Execute(common.HexToAddress("0xbad"), addr, Mode{Call: CallTypeSingle}, []Invocation{{Target: target}}); !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("expected ErrUnauthorizedCaller, got %v", err)
	}
}

func TestStaticModeRejectsValueTransfer(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	engine.Ledger().Credit(addr, big.NewInt(100))
	target := common.HexToAddress("0x5001")

	_, err := engine.Execute(addr, addr, Mode{Call: CallTypeStatic}, []Invocation{{
		Target: target,
		Value:  big.NewInt(1),
	}})
	if err == nil {
		t.Fatal("value transfer in static mode must fail")
	}
	if engine.Ledger().Balance(addr).Int64() != 100 {
		t.Fatal("static failure must not move funds")
	}
}

func TestHookWrapsExecution(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	hook := &stubHook{identity: common.HexToAddress("0x6001")}
	if err := engine.RegisterModule(hook); err != nil {
		t.Fatalf("register hook: %v", err)
	}
	if err := engine.InstallModule(addr, addr, ModuleTypeHook, hook.identity, nil); err != nil {
		t.Fatalf("install hook: %v", err)
	}
	target := common.HexToAddress("0x5001")

	if _, err := engine.Execute(addr, addr, Mode{Call: CallTypeSingle}, []Invocation{{Target: target}}); err != nil {
		t.Fatalf("hooked execute: %v", err)
	}
	if string(hook.gotPost) != "ctx" {
		t.Fatalf("post check context = %q, want pre context", hook.gotPost)
	}

	hook.vetoPre = true
	if _, err := engine.Execute(addr, addr, Mode{Call: CallTypeSingle}, []Invocation{{Target: target}}); !errors.Is(err, ErrHookVeto) {
		t.Fatalf("pre veto must abort the batch, got %v", err)
	}
}

func TestHookPostVetoRollsBackBatch(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	hook := &stubHook{identity: common.HexToAddress("0x6001"), vetoPost: true}
	if err := engine.RegisterModule(hook); err != nil {
		t.Fatalf("register hook: %v", err)
	}
	if err := engine.InstallModule(addr, addr, ModuleTypeHook, hook.identity, nil); err != nil {
		t.Fatalf("install hook: %v", err)
	}
	ledger := engine.Ledger()
	ledger.Credit(addr, big.NewInt(100))
	sink := common.HexToAddress("0x5001")

	_, err := engine.Execute(addr, addr, Mode{Call: CallTypeSingle}, []Invocation{{
		Target: sink,
		Value:  big.NewInt(30),
	}})
	if err == nil {
		t.Fatal("post veto must fail the batch")
	}
	if ledger.Balance(addr).Int64() != 100 || ledger.Balance(sink).Int64() != 0 {
		t.Fatal("post veto must roll back all effects")
	}
}

func TestExecuteFromExecutorRequiresBinding(t *testing.T) {
	engine, _, addr := newTestEngine(t)
	executor := &stubExecutor{identity: common.HexToAddress("0x3001")}
	if err := engine.RegisterModule(executor); err != nil {
		t.Fatalf("register executor: %v", err)
	}
	target := common.HexToAddress("0x5001")

	if _, err := engine.ExecuteFromExecutor(executor.identity, addr, []Invocation{{Target: target}}); !errors.Is(err, ErrModuleNotInstalled) {
		t.Fatalf("unbound executor must be rejected, got %v", err)
	}
	if err := engine.InstallModule(addr, addr, ModuleTypeExecutor, executor.identity, nil); err != nil {
		t.Fatalf("install executor: %v", err)
	}
	if _, err := engine.ExecuteFromExecutor(executor.identity, addr, []Invocation{{Target: target}}); err != nil {
		t.Fatalf("bound executor dispatch: %v", err)
	}
}

func TestValidateOperationDelegatesToValidator(t *testing.T) {
	engine, validator, addr := newTestEngine(t)
	op := &Operation{
		Account: addr,
		Mode:    Mode{Call: CallTypeSingle},
		Batch:   []Invocation{{Target: common.HexToAddress("0x5001")}},
	}

	if got := UnpackValidation(engine.ValidateOperation(op, nil)); got.Failed {
		t.Fatal("healthy validator must approve")
	}
	validator.fail = true
	if got := UnpackValidation(engine.ValidateOperation(op, nil)); !got.Failed {
		t.Fatal("failing validator must reject")
	}
	if got := UnpackValidation(engine.ValidateOperation(nil, nil)); !got.Failed {
		t.Fatal("nil operation must fail validation")
	}
	op.Account = common.HexToAddress("0x9999")
	if got := UnpackValidation(engine.ValidateOperation(op, nil)); !got.Failed {
		t.Fatal("unknown account must fail validation")
	}
}

func TestValidationDataPackRoundTrip(t *testing.T) {
	cases := []ValidationData{
		{},
		{Failed: true},
		{ValidAfter: 100, ValidUntil: 200},
		{Failed: true, ValidAfter: 1 << 40, ValidUntil: (1 << 48) - 1},
	}
	for _, data := range cases {
		got := UnpackValidation(data.Pack())
		if got != data {
			t.Fatalf("round trip mismatch: packed %+v, got %+v", data, got)
		}
	}
	if got := UnpackValidation(nil); !got.Failed {
		t.Fatal("nil packed value must fail")
	}
}

func TestOpHashBindsAllFields(t *testing.T) {
	base := &Operation{
		Account: common.HexToAddress("0x1"),
		Nonce:   1,
		Mode:    Mode{Call: CallTypeSingle},
		Batch:   []Invocation{{Target: common.HexToAddress("0x2"), Value: big.NewInt(5), Data: []byte{0x01}}},
	}
	chainID := big.NewInt(7)
	baseHash := OpHash(base, chainID)

	variants := []*Operation{
		{Account: common.HexToAddress("0x9"), Nonce: 1, Mode: base.Mode, Batch: base.Batch},
		{Account: base.Account, Nonce: 2, Mode: base.Mode, Batch: base.Batch},
		{Account: base.Account, Nonce: 1, Mode: Mode{Call: CallTypeBatch}, Batch: base.Batch},
		{Account: base.Account, Nonce: 1, Mode: base.Mode, Batch: []Invocation{{Target: common.HexToAddress("0x2"), Value: big.NewInt(6), Data: []byte{0x01}}}},
	}
	for i, variant := range variants {
		if OpHash(variant, chainID) == baseHash {
			t.Fatalf("variant %d must hash differently", i)
		}
	}
	if OpHash(base, big.NewInt(8)) == baseHash {
		t.Fatal("chain id must be bound into the hash")
	}
	if OpHash(base, chainID) != baseHash {
		t.Fatal("hash must be deterministic")
	}
}

func TestDecodeMode(t *testing.T) {
	if _, err := DecodeMode([]byte{0x00}); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("short descriptor must be rejected, got %v", err)
	}
	if _, err := DecodeMode([]byte{0xFF, 0x00}); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("delegate descriptor must be rejected, got %v", err)
	}
	if _, err := DecodeMode([]byte{0xFE, 0x01}); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("static+try descriptor must be rejected, got %v", err)
	}
	mode, err := DecodeMode([]byte{0x01, 0x01})
	if err != nil {
		t.Fatalf("decode batch+try: %v", err)
	}
	if mode.Call != CallTypeBatch || mode.Exec != ExecTypeTry {
		t.Fatalf("unexpected mode: %+v", mode)
	}
}
