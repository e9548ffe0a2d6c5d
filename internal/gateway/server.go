package gateway

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"time"

	"AegisVault/internal/account"
	xerrors "AegisVault/internal/errors"
	"AegisVault/internal/modcatalog"
	"AegisVault/internal/observability/metrics"
	"AegisVault/internal/oppool"
	"AegisVault/internal/recovery"
	"AegisVault/internal/sessionkey"
)

// Server 负责暴露 REST 接口，供外部提交操作并查询账户安全状态。
type Server struct {
	addr     string
	engine   *account.Engine
	ops      *oppool.Service
	sessions *sessionkey.Module
	guard    *recovery.Module
	catalog  modcatalog.Definitions
}

// NewServer 构造 API 服务实例。sessions 与 guard 可以为 nil，
// 对应端点会返回 404。
func NewServer(addr string, engine *account.Engine, ops *oppool.Service, sessions *sessionkey.Module, guard *recovery.Module, catalog modcatalog.Definitions) *Server {
	return &Server{
		addr:     addr,
		engine:   engine,
		ops:      ops,
		sessions: sessions,
		guard:    guard,
		catalog:  catalog,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/operations", s.instrument("operations", s.handleOperations))
	mux.HandleFunc("/api/v1/operations/", s.instrument("operation_detail", s.handleOperationDetail))
	mux.HandleFunc("/api/v1/accounts", s.instrument("accounts", s.handleAccounts))
	mux.HandleFunc("/api/v1/accounts/", s.instrument("account_detail", s.handleAccountDetail))
	mux.HandleFunc("/api/v1/modules", s.instrument("modules", s.handleModules))
	mux.HandleFunc("/api/v1/stats", s.instrument("stats", s.handleStats))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录请求级指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError 把统一错误码映射为 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, oppool.CodeOpValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, oppool.CodeOpNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, oppool.CodeOpConflict:
		status = http.StatusConflict
	case xerrors.CodeUnauthorized, recovery.CodeNotGuardian:
		status = http.StatusForbidden
	case recovery.CodeRequestNotFound, sessionkey.CodeGrantNotFound:
		status = http.StatusNotFound
	case recovery.CodeAlreadyApproved, recovery.CodeNotReady, recovery.CodeTerminal,
		sessionkey.CodeGrantExists, sessionkey.CodeGrantInactive:
		status = http.StatusConflict
	}
	if stdErrors.Is(err, account.ErrAccountNotFound) || stdErrors.Is(err, account.ErrModuleNotInstalled) {
		status = http.StatusNotFound
	}
	if stdErrors.Is(err, account.ErrUnauthorizedCaller) {
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(code)})
}
