package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/caresync-health/setu/internal/auth"
	"github.com/caresync-health/setu/internal/guard"
	"github.com/caresync-health/setu/internal/ratelimit"
	"github.com/caresync-health/setu/internal/service/mapping"
	"github.com/caresync-health/setu/internal/storage"
)

// HealthChecker reports whether a backing component is reachable.
// The vector index implements it; nil disables the check.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Server is the Setu HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Guard, Index, Admin, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store  storage.Store
	Svc    *mapping.Service
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Guard     *guard.Guard
	Index     HealthChecker
	Admin     *auth.Admin
	MCPServer *mcpserver.MCPServer
	Limiter   ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Svc:                 cfg.Svc,
		Guard:               cfg.Guard,
		Index:               cfg.Index,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limit := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Resolution (open, rate limited by client IP).
	mux.Handle("POST /v1/resolve", limit(http.HandlerFunc(h.HandleResolve)))

	// Review queue (open; clinician tooling).
	mux.HandleFunc("GET /v1/review", h.HandleListReview)
	mux.HandleFunc("GET /v1/review/{id}", h.HandleGetReview)
	mux.HandleFunc("POST /v1/review/{id}/start", h.HandleStartReview)
	mux.HandleFunc("POST /v1/review/{id}/resolve", h.HandleResolveReview)

	// Guard verdicts (pipeline agents ask before writing; rate limited).
	mux.Handle("POST /v1/guard/check", limit(http.HandlerFunc(h.HandleGuardCheck)))

	// Governance reads are open; mutations and the audit trail are
	// admin-only.
	adminOnly := requireAdmin(cfg.Admin)
	mux.HandleFunc("GET /v1/governance", h.HandleGovernanceStatus)
	mux.Handle("POST /v1/governance/pause", adminOnly(http.HandlerFunc(h.HandleGovernancePause)))
	mux.Handle("POST /v1/governance/resume", adminOnly(http.HandlerFunc(h.HandleGovernanceResume)))
	mux.Handle("POST /v1/governance/manual", adminOnly(http.HandlerFunc(h.HandleGovernanceManual)))
	mux.Handle("POST /v1/governance/reset", adminOnly(http.HandlerFunc(h.HandleGovernanceReset)))
	mux.Handle("GET /v1/audit", adminOnly(http.HandlerFunc(h.HandleListAudit)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no auth).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
