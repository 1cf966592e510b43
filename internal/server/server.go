package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/thereceipts/receipts/internal/auth"
	"github.com/thereceipts/receipts/internal/ratelimit"
	"github.com/thereceipts/receipts/internal/search"
	"github.com/thereceipts/receipts/internal/service/chat"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/service/review"
	"github.com/thereceipts/receipts/internal/service/scheduler"
	"github.com/thereceipts/receipts/internal/storage"
)

// Server is the Receipts HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Autosuggest, Limiter, Searcher,
// Embedder, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	JWTMgr    *auth.JWTManager
	ChatSvc   *chat.Service
	ReviewSvc *review.Service
	SchedSvc  *scheduler.Service
	Hub       *Hub
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Autosuggest *scheduler.Autosuggest
	Limiter     ratelimit.Limiter
	Searcher    search.Searcher
	Embedder    embedding.Provider
	MCPServer   *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	AdminAPIKey         string

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		ChatSvc:             cfg.ChatSvc,
		ReviewSvc:           cfg.ReviewSvc,
		SchedSvc:            cfg.SchedSvc,
		Autosuggest:         cfg.Autosuggest,
		Hub:                 cfg.Hub,
		Searcher:            cfg.Searcher,
		Embedder:            cfg.Embedder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		AdminAPIKey:         cfg.AdminAPIKey,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// The chat endpoints are the only ones that spend LLM quota per
	// request, so they are the only ones throttled. Keyed by client IP.
	chatRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth (no auth required; exchanges the admin API key for a JWT).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Chat surface (public, rate limited).
	mux.Handle("POST /chat/ask", chatRL(http.HandlerFunc(h.HandleChatAsk)))
	mux.Handle("POST /chat/message", chatRL(http.HandlerFunc(h.HandleChatMessage)))

	// Pipeline progress stream. The unguessable session ID is the
	// access control; no rate limit on a long-lived connection.
	mux.HandleFunc("GET /ws/pipeline/{session_id}", h.HandlePipelineWS)

	// Public read surface.
	mux.HandleFunc("GET /blog/posts", h.HandleListBlogPosts)
	mux.HandleFunc("GET /blog/posts/{id}", h.HandleGetBlogPost)
	mux.HandleFunc("GET /audits/cards", h.HandleListAuditCards)
	mux.HandleFunc("GET /audits/cards/{id}", h.HandleGetAuditCard)
	mux.HandleFunc("GET /public/sources", h.HandleListPublicSources)
	mux.HandleFunc("GET /public/metrics", h.HandlePublicMetrics)
	mux.HandleFunc("GET /categories", h.HandleListCategories)

	// Admin plane (JWT with admin role).
	adminOnly := requireAdmin(cfg.JWTMgr)
	mux.Handle("POST /admin/topics", adminOnly(http.HandlerFunc(h.HandleCreateTopic)))
	mux.Handle("GET /admin/topics", adminOnly(http.HandlerFunc(h.HandleListTopics)))
	mux.Handle("GET /admin/topics/{id}", adminOnly(http.HandlerFunc(h.HandleGetTopic)))
	mux.Handle("PATCH /admin/topics/{id}", adminOnly(http.HandlerFunc(h.HandleUpdateTopic)))
	mux.Handle("DELETE /admin/topics/{id}", adminOnly(http.HandlerFunc(h.HandleDeleteTopic)))

	mux.Handle("GET /admin/reviews/pending", adminOnly(http.HandlerFunc(h.HandleListPendingReviews)))
	mux.Handle("POST /admin/reviews/{topic_id}/approve", adminOnly(http.HandlerFunc(h.HandleApproveReview)))
	mux.Handle("POST /admin/reviews/{topic_id}/reject", adminOnly(http.HandlerFunc(h.HandleRejectReview)))
	mux.Handle("POST /admin/reviews/{topic_id}/revision", adminOnly(http.HandlerFunc(h.HandleRequestRevision)))

	mux.Handle("GET /admin/scheduler/settings", adminOnly(http.HandlerFunc(h.HandleGetSchedulerSettings)))
	mux.Handle("PUT /admin/scheduler/settings", adminOnly(http.HandlerFunc(h.HandleUpdateSchedulerSettings)))
	mux.Handle("POST /admin/scheduler/run", adminOnly(http.HandlerFunc(h.HandleSchedulerRunNow)))

	mux.Handle("GET /admin/autosuggest/settings", adminOnly(http.HandlerFunc(h.HandleGetAutosuggestSettings)))
	mux.Handle("PUT /admin/autosuggest/settings", adminOnly(http.HandlerFunc(h.HandleUpdateAutosuggestSettings)))
	mux.Handle("POST /admin/autosuggest/run", adminOnly(http.HandlerFunc(h.HandleAutosuggestRun)))

	mux.Handle("GET /admin/prompts", adminOnly(http.HandlerFunc(h.HandleListAgentPrompts)))
	mux.Handle("GET /admin/prompts/{agent_name}", adminOnly(http.HandlerFunc(h.HandleGetAgentPrompt)))
	mux.Handle("PUT /admin/prompts/{agent_name}", adminOnly(http.HandlerFunc(h.HandleUpdateAgentPrompt)))

	mux.Handle("GET /admin/routing/decisions", adminOnly(http.HandlerFunc(h.HandleListRouterDecisions)))
	mux.Handle("PATCH /admin/cards/{id}", adminOnly(http.HandlerFunc(h.HandleUpdateClaimText)))
	mux.Handle("PATCH /admin/cards/{id}/visibility", adminOnly(http.HandlerFunc(h.HandleSetCardVisibility)))
	mux.Handle("GET /admin/blog/posts", adminOnly(http.HandlerFunc(h.HandleListDraftPosts)))
	mux.Handle("POST /admin/database/reset", adminOnly(http.HandlerFunc(h.HandleDatabaseReset)))

	// MCP StreamableHTTP transport: read-only claim tools over the same
	// data the public read surface exposes.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
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

// Handlers returns the underlying Handlers for use in tests.
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
