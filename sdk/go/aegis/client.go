package aegis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AegisVault REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// BatchItem mirrors a single invocation in a submitted batch. Addresses and
// calldata are 0x-prefixed hex, values are decimal strings.
type BatchItem struct {
	Target string `json:"target"`
	Value  string `json:"value,omitempty"`
	Data   string `json:"data,omitempty"`
}

// OperationSubmission represents the payload required to submit an operation.
type OperationSubmission struct {
	ID        string      `json:"id,omitempty"`
	Account   string      `json:"account"`
	Nonce     uint64      `json:"nonce"`
	Mode      string      `json:"mode"`
	Batch     []BatchItem `json:"batch"`
	Signature string      `json:"signature"`
}

// Outcome is the recorded result of one invocation.
type Outcome struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecutionRecord holds the recorded result of an executed operation.
type ExecutionRecord struct {
	Validation string    `json:"validation"`
	Outcomes   []Outcome `json:"outcomes,omitempty"`
}

// Operation is the receipt view returned by the gateway.
type Operation struct {
	ID         string           `json:"id"`
	Account    string           `json:"account"`
	Nonce      uint64           `json:"nonce"`
	Mode       string           `json:"mode"`
	Batch      []BatchItem      `json:"batch"`
	Signature  string           `json:"signature"`
	Status     string           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionRecord `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// AccountRequest creates a deterministic account or predicts its address.
type AccountRequest struct {
	Owner         string `json:"owner"`
	Salt          string `json:"salt"`
	Validator     string `json:"validator,omitempty"`
	ValidatorInit string `json:"validator_init,omitempty"`
	PredictOnly   bool   `json:"predict_only,omitempty"`
}

// AccountResponse is returned by account creation and prediction.
type AccountResponse struct {
	Address string `json:"address"`
	Created bool   `json:"created"`
}

// AccountDetail is the read-only security view of an account.
type AccountDetail struct {
	Address   string            `json:"address"`
	Owner     string            `json:"owner"`
	Validator string            `json:"validator"`
	Hook      string            `json:"hook,omitempty"`
	Executors []string          `json:"executors,omitempty"`
	Fallbacks map[string]string `json:"fallbacks,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// SessionPermission describes the scope of a session key grant. Addresses
// are 0x-prefixed hex, validity bounds are unix seconds, caps are wei.
type SessionPermission struct {
	Delegate       string   `json:"delegate"`
	ValidAfter     int64    `json:"valid_after"`
	ValidUntil     int64    `json:"valid_until"`
	AllowedTargets []string `json:"allowed_targets,omitempty"`
	PerCallCap     *big.Int `json:"per_call_cap,omitempty"`
	TotalCap       *big.Int `json:"total_cap,omitempty"`
}

// SessionGrant is the gateway view of an active or revoked grant.
type SessionGrant struct {
	Account    string   `json:"account"`
	Delegate   string   `json:"delegate"`
	ValidAfter int64    `json:"valid_after"`
	ValidUntil int64    `json:"valid_until"`
	PerCallCap *big.Int `json:"per_call_cap"`
	TotalCap   *big.Int `json:"total_cap"`
	Nonce      uint64   `json:"nonce"`
	Spent      *big.Int `json:"spent"`
	Active     bool     `json:"active"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// GuardianSet is the guardian configuration of an account.
type GuardianSet struct {
	Guardians []string `json:"guardians"`
	Threshold int      `json:"threshold"`
}

// RecoveryCredential is the P-256 credential proposed by a recovery request.
type RecoveryCredential struct {
	ID     string   `json:"id,omitempty"`
	X      *big.Int `json:"x"`
	Y      *big.Int `json:"y"`
	Active bool     `json:"active"`
	Label  string   `json:"label,omitempty"`
}

// RecoveryRequest is the gateway view of a recovery request.
type RecoveryRequest struct {
	Nonce     uint64   `json:"nonce"`
	NewOwner  string   `json:"new_owner"`
	Approvals []string `json:"approvals"`
	CreatedAt int64    `json:"created_at"`
	Executed  bool     `json:"executed"`
	Cancelled bool     `json:"cancelled"`
	Status    string   `json:"status"`
}

// ModuleEntry is a catalog entry for a known module deployment.
type ModuleEntry struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("aegis api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aegis api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AegisVault API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitOperation enqueues an operation and returns its pending receipt.
func (c *Client) SubmitOperation(ctx context.Context, submission OperationSubmission) (*Operation, error) {
	var op Operation
	if err := c.post(ctx, "/api/v1/operations", submission, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// GetOperation fetches an operation receipt by identifier.
func (c *Client) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	if err := c.get(ctx, "/api/v1/operations/"+url.PathEscape(id), &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOperations returns recent operation receipts.
func (c *Client) ListOperations(ctx context.Context, limit int) ([]Operation, error) {
	endpoint := "/api/v1/operations"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var ops []Operation
	if err := c.get(ctx, endpoint, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// WaitOperation polls until the operation reaches a terminal status.
func (c *Client) WaitOperation(ctx context.Context, id string, interval time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		op, err := c.GetOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		if op.Status == "succeeded" || op.Status == "failed" {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateAccount deploys a deterministic account with its initial validator.
func (c *Client) CreateAccount(ctx context.Context, req AccountRequest) (*AccountResponse, error) {
	req.PredictOnly = false
	var resp AccountResponse
	if err := c.post(ctx, "/api/v1/accounts", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PredictAddress derives the account address without creating it.
func (c *Client) PredictAddress(ctx context.Context, owner, salt string) (string, error) {
	var resp AccountResponse
	err := c.post(ctx, "/api/v1/accounts", AccountRequest{
		Owner:       owner,
		Salt:        salt,
		PredictOnly: true,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Address, nil
}

// GetAccount fetches the security view of an account.
func (c *Client) GetAccount(ctx context.Context, address string) (*AccountDetail, error) {
	var detail AccountDetail
	if err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(address), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func accountEndpoint(address string, parts ...string) string {
	endpoint := "/api/v1/accounts/" + url.PathEscape(address)
	for _, part := range parts {
		endpoint += "/" + part
	}
	return endpoint
}

// CreateSessionKey grants a scoped session key on behalf of the account.
func (c *Client) CreateSessionKey(ctx context.Context, account, caller string, perm SessionPermission) (*SessionGrant, error) {
	payload := struct {
		Caller     string            `json:"caller"`
		Permission SessionPermission `json:"permission"`
	}{Caller: caller, Permission: perm}
	var grant SessionGrant
	if err := c.post(ctx, accountEndpoint(account, "sessions"), payload, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RevokeSessionKey deactivates the grant held by the delegate.
func (c *Client) RevokeSessionKey(ctx context.Context, account, caller, delegate string) error {
	payload := struct {
		Caller   string `json:"caller"`
		Delegate string `json:"delegate"`
	}{Caller: caller, Delegate: delegate}
	return c.post(ctx, accountEndpoint(account, "sessions", "revoke"), payload, nil)
}

// ListSessionKeys returns every grant recorded for the account.
func (c *Client) ListSessionKeys(ctx context.Context, account string) ([]SessionGrant, error) {
	var grants []SessionGrant
	if err := c.get(ctx, accountEndpoint(account, "sessions"), &grants); err != nil {
		return nil, err
	}
	return grants, nil
}

// GetGuardians returns the guardian configuration of the account.
func (c *Client) GetGuardians(ctx context.Context, account string) (*GuardianSet, error) {
	var set GuardianSet
	if err := c.get(ctx, accountEndpoint(account, "guardians"), &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// SetGuardians replaces the guardian set and threshold of the account.
func (c *Client) SetGuardians(ctx context.Context, account, caller string, guardians []string, threshold int) (*GuardianSet, error) {
	payload := struct {
		Caller    string   `json:"caller"`
		Guardians []string `json:"guardians"`
		Threshold int      `json:"threshold"`
	}{Caller: caller, Guardians: guardians, Threshold: threshold}
	var set GuardianSet
	if err := c.post(ctx, accountEndpoint(account, "guardians"), payload, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// InitiateRecovery opens a recovery request as a guardian and returns its nonce.
func (c *Client) InitiateRecovery(ctx context.Context, account, guardian string, cred RecoveryCredential, newOwner string) (uint64, error) {
	payload := struct {
		Guardian      string             `json:"guardian"`
		NewCredential RecoveryCredential `json:"new_credential"`
		NewOwner      string             `json:"new_owner"`
	}{Guardian: guardian, NewCredential: cred, NewOwner: newOwner}
	var resp struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := c.post(ctx, accountEndpoint(account, "recovery"), payload, &resp); err != nil {
		return 0, err
	}
	return resp.Nonce, nil
}

// GetRecovery fetches a recovery request with its derived status.
func (c *Client) GetRecovery(ctx context.Context, account string, nonce uint64) (*RecoveryRequest, error) {
	var req RecoveryRequest
	if err := c.get(ctx, accountEndpoint(account, "recovery", strconv.FormatUint(nonce, 10)), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ApproveRecovery records a guardian approval on the request.
func (c *Client) ApproveRecovery(ctx context.Context, account, guardian string, nonce uint64) (*RecoveryRequest, error) {
	return c.recoveryAction(ctx, account, guardian, nonce, "approve")
}

// ExecuteRecovery releases an approved request once its delay has elapsed.
func (c *Client) ExecuteRecovery(ctx context.Context, account, guardian string, nonce uint64) (*RecoveryRequest, error) {
	return c.recoveryAction(ctx, account, guardian, nonce, "execute")
}

// CancelRecovery cancels a pending request through the account's own
// authorization path.
func (c *Client) CancelRecovery(ctx context.Context, account, caller string, nonce uint64) (*RecoveryRequest, error) {
	return c.recoveryAction(ctx, account, caller, nonce, "cancel")
}

func (c *Client) recoveryAction(ctx context.Context, account, caller string, nonce uint64, action string) (*RecoveryRequest, error) {
	payload := struct {
		Caller string `json:"caller"`
	}{Caller: caller}
	endpoint := accountEndpoint(account, "recovery", strconv.FormatUint(nonce, 10), action)
	var req RecoveryRequest
	if err := c.post(ctx, endpoint, payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ListModules returns the catalog of known module deployments.
func (c *Client) ListModules(ctx context.Context) ([]ModuleEntry, error) {
	var entries []ModuleEntry
	if err := c.get(ctx, "/api/v1/modules", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
