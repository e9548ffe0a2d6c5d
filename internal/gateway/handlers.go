package gateway

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AegisVault/internal/errors"
	"AegisVault/internal/oppool"
	"AegisVault/internal/recovery"
	"AegisVault/internal/sessionkey"
	"AegisVault/internal/validator"
)

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitOperation(w, r)
	case http.MethodGet:
		s.handleListOperations(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitOperation 处理提交账户操作的请求。
func (s *Server) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	if s.ops == nil {
		http.Error(w, "收件箱未初始化", http.StatusServiceUnavailable)
		return
	}

	var req oppool.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	op, err := s.ops.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	if s.ops == nil {
		http.Error(w, "收件箱未初始化", http.StatusServiceUnavailable)
		return
	}

	opts := make([]oppool.ListOption, 0, 4)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, oppool.WithLimit(parsed))
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, oppool.WithOffset(parsed))
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses := make([]oppool.Status, 0, 4)
		for _, status := range strings.Split(raw, ",") {
			statuses = append(statuses, oppool.Status(strings.TrimSpace(status)))
		}
		opts = append(opts, oppool.WithStatuses(statuses...))
	}
	if raw := r.URL.Query().Get("account"); raw != "" {
		opts = append(opts, oppool.WithAccount(raw))
	}

	results, err := s.ops.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleOperationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.ops == nil {
		http.Error(w, "收件箱未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/operations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "操作 ID 非法", http.StatusBadRequest)
		return
	}
	op, err := s.ops.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.ops == nil {
		http.Error(w, "收件箱未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.ops.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// createAccountRequest 是创建或预测账户地址的请求体。
type createAccountRequest struct {
	Owner         string `json:"owner"`
	Salt          string `json:"salt"`
	Validator     string `json:"validator"`
	ValidatorInit string `json:"validator_init,omitempty"`
	// PredictOnly 只做地址推导，不创建账户。
	PredictOnly bool `json:"predict_only,omitempty"`
}

type accountResponse struct {
	Address string `json:"address"`
	Created bool   `json:"created"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Owner) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "owner 地址非法"))
		return
	}
	owner := common.HexToAddress(req.Owner)
	salt := common.HexToHash(req.Salt)

	if req.PredictOnly {
		writeJSON(w, http.StatusOK, accountResponse{
			Address: s.engine.PredictAddress(owner, salt).Hex(),
		})
		return
	}

	if !common.IsHexAddress(req.Validator) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "validator 地址非法"))
		return
	}
	initData, err := decodeHexField(req.ValidatorInit)
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "validator_init 编码非法"))
		return
	}
	addr, err := s.engine.CreateAccount(owner, salt, common.HexToAddress(req.Validator), initData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{Address: addr.Hex(), Created: true})
}

// accountDetail 是账户安全状态的只读视图。
type accountDetail struct {
	Address   string            `json:"address"`
	Owner     string            `json:"owner"`
	Validator string            `json:"validator"`
	Hook      string            `json:"hook,omitempty"`
	Executors []string          `json:"executors,omitempty"`
	Fallbacks map[string]string `json:"fallbacks,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

func (s *Server) handleAccountDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/accounts/")
	parts := strings.SplitN(rest, "/", 2)
	if !common.IsHexAddress(parts[0]) {
		http.Error(w, "账户地址非法", http.StatusBadRequest)
		return
	}
	addr := common.HexToAddress(parts[0])

	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		s.renderAccount(w, addr)
		return
	}
	post := r.Method == http.MethodPost
	switch {
	case parts[1] == "sessions" && post:
		s.createSession(w, r, addr)
	case parts[1] == "sessions":
		s.renderSessions(w, addr)
	case parts[1] == "sessions/revoke" && post:
		s.revokeSession(w, r, addr)
	case parts[1] == "guardians" && post:
		s.updateGuardians(w, r, addr)
	case parts[1] == "guardians":
		s.renderGuardians(w, addr)
	case parts[1] == "recovery" && post:
		s.initiateRecovery(w, r, addr)
	case strings.HasPrefix(parts[1], "recovery/"):
		s.dispatchRecovery(w, r, addr, strings.TrimPrefix(parts[1], "recovery/"))
	default:
		http.Error(w, "未知的账户子资源", http.StatusNotFound)
	}
}

func (s *Server) renderAccount(w http.ResponseWriter, addr common.Address) {
	acct, err := s.engine.GetAccount(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := accountDetail{
		Address:   acct.Address.Hex(),
		Owner:     acct.Owner.Hex(),
		Validator: acct.Validator.Hex(),
		CreatedAt: acct.CreatedAt,
	}
	if acct.Hook != (common.Address{}) {
		detail.Hook = acct.Hook.Hex()
	}
	for identity := range acct.Executors {
		detail.Executors = append(detail.Executors, identity.Hex())
	}
	if len(acct.Fallbacks) > 0 {
		detail.Fallbacks = make(map[string]string, len(acct.Fallbacks))
		for selector, binding := range acct.Fallbacks {
			detail.Fallbacks["0x"+hex.EncodeToString(selector[:])] = binding.Identity.Hex()
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) renderSessions(w http.ResponseWriter, addr common.Address) {
	if s.sessions == nil {
		http.Error(w, "会话密钥模块未启用", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.GetSessionKeys(addr))
}

type guardiansResponse struct {
	Guardians []string `json:"guardians"`
	Threshold int      `json:"threshold"`
}

func (s *Server) renderGuardians(w http.ResponseWriter, addr common.Address) {
	if s.guard == nil {
		http.Error(w, "恢复模块未启用", http.StatusNotFound)
		return
	}
	guardians := s.guard.GetGuardians(addr)
	resp := guardiansResponse{
		Guardians: make([]string, 0, len(guardians)),
		Threshold: s.guard.GuardianThreshold(addr),
	}
	for _, g := range guardians {
		resp.Guardians = append(resp.Guardians, g.Hex())
	}
	writeJSON(w, http.StatusOK, resp)
}

// dispatchRecovery 解析 recovery/{nonce} 与 recovery/{nonce}/{action}。
func (s *Server) dispatchRecovery(w http.ResponseWriter, r *http.Request, addr common.Address, rest string) {
	if s.guard == nil {
		http.Error(w, "恢复模块未启用", http.StatusNotFound)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	nonce, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "恢复请求编号非法", http.StatusBadRequest)
		return
	}
	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		s.renderRecovery(w, addr, nonce)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	s.actOnRecovery(w, r, addr, nonce, parts[1])
}

func (s *Server) renderRecovery(w http.ResponseWriter, addr common.Address, nonce uint64) {
	req, err := s.guard.GetRecoveryRequest(addr, nonce)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*recovery.Request
		Status string `json:"status"`
	}{
		Request: req,
		Status:  string(s.guard.StatusOf(addr, nonce)),
	})
}

// createSessionRequest 是创建会话密钥授权的请求体。caller 走模块的
// 授权路径校验，网关不做额外身份判断。
type createSessionRequest struct {
	Caller     string                `json:"caller"`
	Permission sessionkey.Permission `json:"permission"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request, addr common.Address) {
	if s.sessions == nil {
		http.Error(w, "会话密钥模块未启用", http.StatusNotFound)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "caller 地址非法"))
		return
	}
	grant, err := s.sessions.CreateSessionKey(common.HexToAddress(req.Caller), addr, req.Permission)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

type revokeSessionRequest struct {
	Caller   string `json:"caller"`
	Delegate string `json:"delegate"`
}

func (s *Server) revokeSession(w http.ResponseWriter, r *http.Request, addr common.Address) {
	if s.sessions == nil {
		http.Error(w, "会话密钥模块未启用", http.StatusNotFound)
		return
	}
	var req revokeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Caller) || !common.IsHexAddress(req.Delegate) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "caller 或 delegate 地址非法"))
		return
	}
	if err := s.sessions.RevokeSessionKey(common.HexToAddress(req.Caller), addr, common.HexToAddress(req.Delegate)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type updateGuardiansRequest struct {
	Caller    string   `json:"caller"`
	Guardians []string `json:"guardians"`
	Threshold int      `json:"threshold"`
}

func (s *Server) updateGuardians(w http.ResponseWriter, r *http.Request, addr common.Address) {
	if s.guard == nil {
		http.Error(w, "恢复模块未启用", http.StatusNotFound)
		return
	}
	var req updateGuardiansRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "caller 地址非法"))
		return
	}
	guardians := make([]common.Address, 0, len(req.Guardians))
	for _, raw := range req.Guardians {
		if !common.IsHexAddress(raw) {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "守护人地址非法"))
			return
		}
		guardians = append(guardians, common.HexToAddress(raw))
	}
	if err := s.guard.SetGuardians(common.HexToAddress(req.Caller), addr, guardians, req.Threshold); err != nil {
		writeError(w, err)
		return
	}
	s.renderGuardians(w, addr)
}

type initiateRecoveryRequest struct {
	Guardian      string               `json:"guardian"`
	NewCredential validator.Credential `json:"new_credential"`
	NewOwner      string               `json:"new_owner"`
}

func (s *Server) initiateRecovery(w http.ResponseWriter, r *http.Request, addr common.Address) {
	if s.guard == nil {
		http.Error(w, "恢复模块未启用", http.StatusNotFound)
		return
	}
	var req initiateRecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Guardian) || !common.IsHexAddress(req.NewOwner) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "guardian 或 new_owner 地址非法"))
		return
	}
	nonce, err := s.guard.InitiateRecovery(
		common.HexToAddress(req.Guardian), addr,
		req.NewCredential, common.HexToAddress(req.NewOwner),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"nonce": nonce})
}

// recoveryActionRequest 承载 approve/execute/cancel 的调用者。
// approve 与 execute 要求守护人，cancel 走账户自身的授权路径。
type recoveryActionRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) actOnRecovery(w http.ResponseWriter, r *http.Request, addr common.Address, nonce uint64, action string) {
	var req recoveryActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "caller 地址非法"))
		return
	}
	caller := common.HexToAddress(req.Caller)

	var err error
	switch action {
	case "approve":
		err = s.guard.ApproveRecovery(caller, addr, nonce)
	case "execute":
		err = s.guard.ExecuteRecovery(caller, addr, nonce)
	case "cancel":
		err = s.guard.CancelRecovery(caller, addr, nonce)
	default:
		http.Error(w, "未知的恢复操作", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.renderRecovery(w, addr, nonce)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.Entries())
}

func decodeHexField(raw string) ([]byte, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, nil
	}
	return hex.DecodeString(raw)
}
