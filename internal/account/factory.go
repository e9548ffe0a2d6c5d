package account

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AegisVault/internal/errors"
	"AegisVault/pkg/logger"
)

// PredictAddress 在创建之前推导账户地址。推导只依赖 (owner, salt)
// 和工厂身份，因此地址在部署前即可计算。
func (e *Engine) PredictAddress(owner common.Address, salt common.Hash) common.Address {
	initHash := crypto.Keccak256Hash(owner.Bytes())
	return crypto.CreateAddress2(e.factory, salt, initHash.Bytes())
}

// CreateAccount 以确定性推导创建账户并安装初始验证器。
// 对同一 (owner, salt) 的重复调用返回既有地址，不重复部署也不报错。
func (e *Engine) CreateAccount(owner common.Address, salt common.Hash, validator common.Address, validatorInit []byte) (common.Address, error) {
	if owner == (common.Address{}) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "owner 不能为零地址")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	addr := e.PredictAddress(owner, salt)
	if _, ok := e.accounts[addr]; ok {
		return addr, nil
	}

	module, deployed := e.modules[validator]
	if !deployed || module.Kind() != ModuleTypeValidator {
		return common.Address{}, ErrInvalidModule
	}
	if _, isValidator := module.(Validator); !isValidator {
		return common.Address{}, ErrInvalidModule
	}

	acct := &Account{
		Address:   addr,
		Owner:     owner,
		Salt:      salt,
		Validator: validator,
		Executors: make(map[common.Address]ModuleBinding),
		Fallbacks: make(map[Selector]ModuleBinding),
		CreatedAt: e.clock().Unix(),
	}
	if err := module.OnInstall(e, addr, validatorInit); err != nil {
		return common.Address{}, err
	}
	e.accounts[addr] = acct

	logger.Security("account_created", addr.Hex(),
		slog.String("owner", owner.Hex()),
		slog.String("validator", validator.Hex()),
	)
	return addr, nil
}
