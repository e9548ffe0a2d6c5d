package sessionkey

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
)

// Permission 描述创建会话密钥授权时的全部参数。
type Permission struct {
	Delegate common.Address `json:"delegate"`
	// 有效窗口为左闭右开的 unix 秒区间。
	ValidAfter int64 `json:"valid_after"`
	ValidUntil int64 `json:"valid_until"`
	// AllowedTargets 为空表示不限制目标。
	AllowedTargets []common.Address `json:"allowed_targets,omitempty"`
	// AllowedSelectors 为空表示不限制选择器。
	AllowedSelectors []account.Selector `json:"allowed_selectors,omitempty"`
	PerCallCap       *big.Int           `json:"per_call_cap"`
	TotalCap         *big.Int           `json:"total_cap"`
}

// Grant 是一条已生效的会话密钥授权。nonce 严格递增，防重放也防乱序。
type Grant struct {
	Account          common.Address     `json:"account"`
	Delegate         common.Address     `json:"delegate"`
	ValidAfter       int64              `json:"valid_after"`
	ValidUntil       int64              `json:"valid_until"`
	AllowedTargets   []common.Address   `json:"allowed_targets,omitempty"`
	AllowedSelectors []account.Selector `json:"allowed_selectors,omitempty"`
	PerCallCap       *big.Int           `json:"per_call_cap"`
	TotalCap         *big.Int           `json:"total_cap"`
	Nonce            uint64             `json:"nonce"`
	Spent            *big.Int           `json:"spent"`
	Active           bool               `json:"active"`
	CreatedAt        int64              `json:"created_at"`
	UpdatedAt        int64              `json:"updated_at"`
}

func cloneGrant(g *Grant) *Grant {
	if g == nil {
		return nil
	}
	clone := *g
	clone.AllowedTargets = append([]common.Address(nil), g.AllowedTargets...)
	clone.AllowedSelectors = append([]account.Selector(nil), g.AllowedSelectors...)
	if g.PerCallCap != nil {
		clone.PerCallCap = new(big.Int).Set(g.PerCallCap)
	}
	if g.TotalCap != nil {
		clone.TotalCap = new(big.Int).Set(g.TotalCap)
	}
	if g.Spent != nil {
		clone.Spent = new(big.Int).Set(g.Spent)
	}
	return &clone
}

var (
	// ErrGrantNotFound 表示 (account, delegate) 没有对应授权。
	ErrGrantNotFound = xerrors.New(CodeGrantNotFound, "session key grant not found")
	// ErrGrantExists 表示同一委托人已持有激活的授权。
	ErrGrantExists = xerrors.New(CodeGrantExists, "active grant already exists for delegate")
	// ErrGrantInactive 表示授权已被吊销。
	ErrGrantInactive = xerrors.New(CodeGrantInactive, "session key grant revoked")
	// ErrInvalidWindow 表示有效窗口非法。
	ErrInvalidWindow = xerrors.New(CodeInvalidWindow, "validAfter must precede validUntil")
	// ErrWindowClosed 表示当前时刻不在有效窗口内。
	ErrWindowClosed = xerrors.New(CodeWindowClosed, "session key outside validity window")
	// ErrNonceMismatch 表示 nonce 不等于期望值，重放或乱序一律拒绝。
	ErrNonceMismatch = xerrors.New(CodeNonceMismatch, "session nonce mismatch")
	// ErrTargetDenied 表示目标不在允许清单内。
	ErrTargetDenied = xerrors.New(CodeTargetDenied, "target not in allow-list")
	// ErrSelectorDenied 表示选择器不在允许清单内。
	ErrSelectorDenied = xerrors.New(CodeSelectorDenied, "selector not in allow-list")
	// ErrPerCallCap 表示单笔金额超出上限。
	ErrPerCallCap = xerrors.New(CodePerCallCap, "value exceeds per-call cap")
	// ErrTotalCap 表示累计花费会超出总额上限。
	ErrTotalCap = xerrors.New(CodeTotalCap, "cumulative spend exceeds total cap")
	// ErrSelfCall 表示委托人试图让账户调用自身，属于越权升级。
	ErrSelfCall = xerrors.New(CodeSelfCall, "session key may not target the account itself")
	// ErrBadSignature 表示委托人签名无法恢复或与摘要不符。
	ErrBadSignature = xerrors.New(CodeBadSignature, "delegate signature rejected")
)

const (
	CodeGrantNotFound  xerrors.Code = "SESSION_GRANT_NOT_FOUND"
	CodeGrantExists    xerrors.Code = "SESSION_GRANT_EXISTS"
	CodeGrantInactive  xerrors.Code = "SESSION_GRANT_INACTIVE"
	CodeInvalidWindow  xerrors.Code = "SESSION_INVALID_WINDOW"
	CodeWindowClosed   xerrors.Code = "SESSION_WINDOW_CLOSED"
	CodeNonceMismatch  xerrors.Code = "SESSION_NONCE_MISMATCH"
	CodeTargetDenied   xerrors.Code = "SESSION_TARGET_DENIED"
	CodeSelectorDenied xerrors.Code = "SESSION_SELECTOR_DENIED"
	CodePerCallCap     xerrors.Code = "SESSION_PER_CALL_CAP"
	CodeTotalCap       xerrors.Code = "SESSION_TOTAL_CAP"
	CodeSelfCall       xerrors.Code = "SESSION_SELF_CALL"
	CodeBadSignature   xerrors.Code = "SESSION_BAD_SIGNATURE"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeGrantNotFound:  {Message: "session key grant not found", Severity: xerrors.SeverityInfo},
		CodeGrantExists:    {Message: "active grant already exists", Severity: xerrors.SeverityInfo},
		CodeGrantInactive:  {Message: "session key grant revoked", Severity: xerrors.SeverityInfo},
		CodeInvalidWindow:  {Message: "invalid validity window", Severity: xerrors.SeverityInfo},
		CodeWindowClosed:   {Message: "session key outside validity window", Severity: xerrors.SeverityWarning},
		CodeNonceMismatch:  {Message: "session nonce mismatch", Severity: xerrors.SeverityWarning},
		CodeTargetDenied:   {Message: "target not in allow-list", Severity: xerrors.SeverityWarning},
		CodeSelectorDenied: {Message: "selector not in allow-list", Severity: xerrors.SeverityWarning},
		CodePerCallCap:     {Message: "value exceeds per-call cap", Severity: xerrors.SeverityWarning},
		CodeTotalCap:       {Message: "cumulative spend exceeds total cap", Severity: xerrors.SeverityWarning},
		CodeSelfCall:       {Message: "self-call via session key denied", Severity: xerrors.SeverityCritical, Alert: true},
		CodeBadSignature:   {Message: "delegate signature rejected", Severity: xerrors.SeverityWarning},
	} {
		xerrors.Register(code, attr)
	}
}
