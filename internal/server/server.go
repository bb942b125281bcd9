package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kagami-ai/kagami/internal/ratelimit"
	"github.com/kagami-ai/kagami/internal/service/profile"
)

// Server is the Kagami HTTP server.
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
// Optional fields (nil-safe): MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Svc    *profile.Service
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	MCPServer   *mcpserver.MCPServer
	RateLimiter ratelimit.Limiter
	OpenAPISpec []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Svc:                 cfg.Svc,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Write traffic is limited per subject; reads pass through.
	writeRL := ratelimit.Middleware(cfg.RateLimiter, ratelimit.SubjectKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Fact-sheet operations, keyed by subject.
	mux.Handle("POST /v1/subjects/{subject}/observe", writeRL(http.HandlerFunc(h.HandleObserve)))
	mux.Handle("POST /v1/subjects/{subject}/patch", writeRL(http.HandlerFunc(h.HandlePatch)))
	mux.HandleFunc("GET /v1/subjects/{subject}", h.HandleGet)
	mux.HandleFunc("GET /v1/subjects/{subject}/history", h.HandleHistory)
	mux.HandleFunc("GET /v1/subjects/{subject}/prompt", h.HandleFactsForPrompt)
	mux.HandleFunc("GET /v1/subjects/{subject}/filters", h.HandleFilters)
	mux.Handle("DELETE /v1/subjects/{subject}", writeRL(http.HandlerFunc(h.HandleDelete)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no envelope dependencies beyond the store).
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
