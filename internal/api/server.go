package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"HiveMind-Copilot/internal/auth"
	"HiveMind-Copilot/internal/collab"
	"HiveMind-Copilot/internal/health"
	"HiveMind-Copilot/internal/observability/metrics"
	"HiveMind-Copilot/internal/orchestrator"
	"HiveMind-Copilot/internal/pipeline"
	"HiveMind-Copilot/internal/task"
)

// Executor 同步执行一次请求。
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*orchestrator.Response, error)
}

// Collaborations 打开并查询协作会话。
type Collaborations interface {
	Open(ctx context.Context, counterparty string, payload json.RawMessage) (string, error)
	Poll(sessionID string) (collab.PollResult, error)
}

// HealthChecker 返回健康检查结果。
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Option 配置 Server。
type Option func(*Server)

// WithTaskService 启用异步任务接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithCollaborations 启用协作会话接口。counterparty 是请求未指定对端时的默认代理。
func WithCollaborations(c Collaborations, counterparty string) Option {
	return func(s *Server) {
		s.sessions = c
		s.counterparty = counterparty
	}
}

// WithHealthChecker 设置健康检查实现。
func WithHealthChecker(c HealthChecker) Option {
	return func(s *Server) { s.checker = c }
}

// WithAuth 为 /api/v1 挂载鉴权中间件。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithAllowedOrigins 配置 CORS 允许的来源，默认允许全部。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithMetrics 控制是否暴露 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	engine          Executor
	tasks           *task.Service
	sessions        Collaborations
	counterparty    string
	checker         HealthChecker
	auth            *auth.Service
	origins         []string
	metrics         bool
	shutdownTimeout time.Duration
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine Executor, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		engine:          engine,
		origins:         []string{"*"},
		metrics:         true,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes 构建完整的路由树。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", auth.HeaderAPIKey, "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.metrics {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredScopes: map[string][]string{
					http.MethodGet:  {"tasks:read"},
					http.MethodPost: {"requests:write"},
				},
				AuditEvent: "api_v1",
			}))
		}
		r.Post("/requests", s.handleRequest)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmitTask)
			r.Get("/", s.handleListTasks)
			r.Get("/stats", s.handleTaskStats)
			r.Get("/{id}", s.handleTaskDetail)
		})
		r.Post("/collaborations", s.handleOpenCollaboration)
		r.Get("/collaborations/{id}", s.handleCollaboration)
		r.Post("/{kind}", s.handleKind)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "UNAVAILABLE", Message: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
