package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/auth"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/ratelimit"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/routing"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/coordinator"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/investigations"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/progress"
)

// Server is the investigation engine's HTTP server.
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
// Verifier, Limiter, MCPServer and OpenAPISpec are optional; nil disables them.
type ServerConfig struct {
	Investigations *investigations.Service
	Runner         *coordinator.Runner
	Progress       *progress.Service
	Selector       *routing.Selector
	Store          Pinger
	Logger         *slog.Logger

	Verifier  *auth.Verifier
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Investigations:      cfg.Investigations,
		Runner:              cfg.Runner,
		Progress:            cfg.Progress,
		Selector:            cfg.Selector,
		Store:               cfg.Store,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// Polling reads are the hot path; writes are already serialized by If-Match.
	pollRL := ratelimit.Middleware(cfg.Limiter, "poll", time.Second, pollKey(cfg.Verifier != nil), reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/investigations", h.HandleCreateInvestigation)
	mux.Handle("GET /v1/investigations/{id}", pollRL(http.HandlerFunc(h.HandleGetInvestigation)))
	mux.HandleFunc("PATCH /v1/investigations/{id}", h.HandleUpdateInvestigation)
	mux.HandleFunc("PUT /v1/investigations/{id}/settings", h.HandleSubmitSettings)
	mux.HandleFunc("GET /v1/investigations/{id}/versions", h.HandleVersions)

	mux.HandleFunc("POST /v1/investigations/{id}/run", h.HandleRun)
	mux.HandleFunc("POST /v1/investigations/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /v1/investigations/{id}/pause", h.HandlePause)
	mux.HandleFunc("POST /v1/investigations/{id}/resume", h.HandleResume)
	mux.HandleFunc("POST /v1/investigations/{id}/messages", h.HandleMessage)

	mux.Handle("GET /v1/investigations/{id}/progress", pollRL(http.HandlerFunc(h.HandleProgress)))
	mux.Handle("GET /v1/investigations/{id}/events", pollRL(http.HandlerFunc(h.HandleEvents)))
	mux.HandleFunc("GET /v1/investigations/{id}/tools", h.HandleTools)

	mux.HandleFunc("GET /v1/routing/preview/{id}", h.HandleRoutingPreview)

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → actor → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = actorMiddleware(cfg.Verifier, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(mux, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// pollKey buckets pollers by verified subject when tokens are checked, and by
// client address otherwise. X-Actor is caller-supplied, so it never keys.
func pollKey(verified bool) ratelimit.KeyFunc {
	return func(r *http.Request) string {
		if verified {
			if actor := ActorFromContext(r.Context()); actor != "" {
				return "sub:" + actor
			}
		}
		return "ip:" + ratelimit.IPKeyFunc(r)
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
