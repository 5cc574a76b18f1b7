package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/internal/lifecycle"
	"OpenMech-Chain/internal/observability/metrics"
	"OpenMech-Chain/internal/transaction"
	"OpenMech-Chain/pkg/logger"
)

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 接口，供外部驱动交易生命周期。
type Server struct {
	addr    string
	svc     *lifecycle.Service
	metrics bool
	log     *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetricsEndpoint 在 API 端口上同时暴露 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *lifecycle.Service, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /transactions", "create", s.handleCreate)
	s.route(mux, "GET /transactions", "list", s.handleList)
	s.route(mux, "GET /transactions/{id}", "details", s.handleDetails)
	s.route(mux, "POST /transactions/{id}/request", "request", s.handleRequest)
	s.route(mux, "POST /transactions/{id}/payment", "payment", s.handlePayment)
	s.route(mux, "POST /transactions/{id}/execution", "execution", s.handleExecution)
	s.route(mux, "GET /transactions/{id}/status", "status", s.handleStatus)
	s.route(mux, "POST /transactions/{id}/verify", "verify", s.handleVerify)
	s.route(mux, "POST /transactions/{id}/cancel", "cancel", s.handleCancel)
	s.route(mux, "GET /services", "services", s.handleServices)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s.svc == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "生命周期服务未初始化")
	}
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

// route 注册路由并记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateInput
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.svc.CreateTransaction(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var opts []transaction.ListOption
	for _, key := range []string{"limit", "offset"} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, transaction.Validationf("%s 必须是非负整数", key))
			return
		}
		if key == "limit" {
			opts = append(opts, transaction.WithLimit(n))
		} else {
			opts = append(opts, transaction.WithOffset(n))
		}
	}
	if raw := query.Get("overall_status"); raw != "" {
		var statuses []transaction.OverallStatus
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, transaction.OverallStatus(part))
			}
		}
		opts = append(opts, transaction.WithOverallStatus(statuses...))
	}
	items, err := s.svc.ListByOwner(r.Context(), query.Get("owner"), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": items})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.svc.Details(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hash, err := s.svc.SubmitRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transaction_id": id, "request_tx_hash": hash})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.PaymentInput
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	hash, err := s.svc.ExecutePayment(r.Context(), id, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transaction_id": id, "payment_tx_hash": hash})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ExecutionInput
	if !s.decode(w, r, &req) {
		return
	}
	ticket, err := s.svc.StartExecution(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetExecutionStatus(r.Context(), r.PathValue("id"), r.URL.Query().Get("request_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.VerifyInput
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.svc.VerifyResults(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	details, err := s.svc.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.svc.Catalog().List()})
}

// decode 解析可选的 JSON 请求体，空请求体视为零值。
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		s.writeError(w, r, transaction.Validationf("请求体解析失败: %v", err))
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case transaction.CodeNotFound:
		return http.StatusNotFound
	case transaction.CodeValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case transaction.CodePhaseOrder, transaction.CodeConflict, transaction.CodeSettledAfterCancel:
		return http.StatusConflict
	case transaction.CodeExternalCall:
		return http.StatusBadGateway
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if appErr, ok := xerrors.From(err); ok {
		body.Message = appErr.Message()
		if cause := errors.Unwrap(appErr); cause != nil && status == http.StatusBadGateway {
			body.Message += ": " + cause.Error()
		}
	}
	if xerrors.CodeOf(err) == xerrors.CodeUnknown {
		body.Code = string(transaction.CodeInternal)
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", fmt.Errorf("encode: %w", err)))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "SERVICE_UNAVAILABLE", Message: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
