package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"OpenFAM-Supply/internal/auth"
	xerrors "OpenFAM-Supply/internal/errors"
	"OpenFAM-Supply/internal/observability/metrics"
	"OpenFAM-Supply/pkg/logger"
	"OpenFAM-Supply/pkg/plugin"
)

// Suppliers 是接口层依赖的供应器管理能力，由 plugin.Manager 实现。
type Suppliers interface {
	List(ctx context.Context) []plugin.Status
	Status(ctx context.Context, id string) (plugin.Status, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Pause(id string) error
	Resume(id string) error
}

// Option 定义服务的可选配置。
type Option func(*Server)

// WithAuth 为 /api/v1 下的接口启用认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithCORS 允许指定来源的浏览器控制台跨域访问。
func WithCORS(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 负责暴露 REST 接口，供外部控制供应器会话。
type Server struct {
	addr      string
	suppliers Suppliers
	auth      *auth.Service
	origins   []string
	logger    *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, suppliers Suppliers, opts ...Option) *Server {
	s := &Server{addr: addr, suppliers: suppliers}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回完整的路由，包含认证、跨域与指标中间件。
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/suppliers", s.handleList)
	api.HandleFunc("GET /api/v1/suppliers/{id}", s.handleDetail)
	api.HandleFunc("POST /api/v1/suppliers/{id}/{action}", s.handleAction)

	var protected http.Handler = api
	if s.auth != nil {
		protected = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {auth.PermissionRead},
				http.MethodPost: {auth.PermissionControl},
			},
		})(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", protected)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var handler http.Handler = mux
	if len(s.origins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler(handler)
	}
	return instrument(handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("控制接口已启动", slog.String("addr", s.addr))

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

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.suppliers.List(r.Context()))
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	status, err := s.suppliers.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = s.suppliers.Start(ctx, id)
	case "stop":
		err = s.suppliers.Stop(ctx, id)
	case "pause":
		err = s.suppliers.Pause(id)
	case "resume":
		err = s.suppliers.Resume(id)
	default:
		http.Error(w, "未知操作: "+action, http.StatusNotFound)
		return
	}
	s.logger.Info("供应器操作",
		slog.String("supplier_id", id),
		slog.String("action", r.PathValue("action")),
		slog.String("actor", auth.Actor(ctx)),
		slog.Bool("ok", err == nil),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.suppliers.Status(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument 记录每个请求的耗时与状态码。
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		metrics.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	// 包装处理器以检查上下文状态。
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
