package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/voxdesk/internal/auth"
	"github.com/ashita-ai/voxdesk/internal/billing"
	"github.com/ashita-ai/voxdesk/internal/ctxutil"
	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/ratelimit"
	"github.com/ashita-ai/voxdesk/internal/secrets"
	"github.com/ashita-ai/voxdesk/internal/storage"
	"github.com/ashita-ai/voxdesk/internal/telemetry"
)

// Server is the voxdesk HTTP server.
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
// Optional fields (nil-safe): Limiter, Metrics, MCPServer, OpenAPISpec,
// FormClient.
type ServerConfig struct {
	// Required dependencies.
	DB       *storage.DB
	JWTMgr   *auth.JWTManager
	Billing  *billing.Service
	Box      *secrets.Box
	AuthGate AuthGateConfig
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Metrics   *telemetry.Instruments
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Public site metadata.
	Site model.SiteInfo

	// Form proxy settings.
	FormMarker   string
	FormTimeout  time.Duration
	FormMaxBytes int64
	FormClient   *http.Client

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// ExtraRoutes are registered on the mux after the built-in routes and
	// share the full middleware chain.
	ExtraRoutes []func(*http.ServeMux)

	// Middlewares wrap the whole chain. The first entry is outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Billing:             cfg.Billing,
		Box:                 cfg.Box,
		Metrics:             cfg.Metrics,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		Site:                cfg.Site,
		FormMarker:          cfg.FormMarker,
		FormTimeout:         cfg.FormTimeout,
		FormMaxBytes:        cfg.FormMaxBytes,
		FormClient:          cfg.FormClient,
	})

	mux := http.NewServeMux()

	// Token exchange (public, authenticates the API key itself).
	mux.HandleFunc("POST /api/auth/token", h.HandleAuthToken)
	mux.HandleFunc("POST /api/auth/keys", h.HandleCreateKey)
	mux.HandleFunc("GET /api/auth/keys", h.HandleListKeys)
	mux.HandleFunc("DELETE /api/auth/keys/{keyId}", h.HandleRevokeKey)

	// Agents.
	mux.HandleFunc("GET /api/agents", h.HandleListAgents)
	mux.HandleFunc("POST /api/agents", h.HandleCreateAgent)
	mux.HandleFunc("GET /api/agents/{agentId}", h.HandleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{agentId}", h.HandleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{agentId}", h.HandleDeleteAgent)

	// MCP server configuration per agent.
	mux.HandleFunc("GET /api/mcp-servers", h.HandleMissingAgentID)
	mux.HandleFunc("GET /api/mcp-servers/{$}", h.HandleMissingAgentID)
	mux.HandleFunc("GET /api/mcp-servers/{agentId}", h.HandleListMcpServers)
	mux.HandleFunc("POST /api/mcp-servers", h.HandleUpsertMcpServer)
	mux.HandleFunc("DELETE /api/mcp-servers/{agentId}/{serverName}", h.HandleDeleteMcpServer)

	// Sessions and the event log.
	mux.HandleFunc("GET /api/sessions", h.HandleListSessions)
	mux.HandleFunc("POST /api/sessions", h.HandleCreateSession)
	mux.HandleFunc("GET /api/sessions/{sessionId}/events", h.HandleListSessionEvents)
	mux.HandleFunc("POST /api/events/log", h.HandleLogEvent)

	mux.HandleFunc("POST /api/setup", h.HandleSetup)
	mux.HandleFunc("POST /api/form", h.HandleForm)

	// Budget and top-ups. The webhook is public; Stripe signs it.
	mux.HandleFunc("GET /api/budget", h.HandleGetBudget)
	mux.HandleFunc("PUT /api/budget/plan", h.HandleSetPlan)
	mux.HandleFunc("POST /api/budget/usage", h.HandleRecordUsage)
	mux.HandleFunc("POST /api/budget/checkout", h.HandleTopUpCheckout)
	mux.HandleFunc("POST /api/billing/webhooks", h.HandleBillingWebhook)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Public informational routes.
	mux.HandleFunc("GET /api/site", h.HandleSite)
	mux.HandleFunc("GET /robots.txt", h.HandleRobots)
	mux.HandleFunc("GET /sitemap.xml", h.HandleSitemap)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	gate := NewAuthGate(cfg.AuthGate, cfg.JWTMgr)
	limit := ratelimit.Middleware(cfg.Limiter, rateLimitKey, requestID, cfg.Logger)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth gate →
	// rate limit → recovery → unmatched-route envelope → handler.
	var handler = unmatchedRoutes(mux)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = limit(handler)
	handler = gate.Middleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(cfg.Metrics, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

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

// rateLimitKey buckets authenticated requests per user and the rest per
// client IP.
func rateLimitKey(r *http.Request) string {
	if id := ctxutil.UserIDFromContext(r.Context()); id != "" {
		return "user:" + id
	}
	return ratelimit.IPKeyFunc(r)
}

// Handlers returns the underlying Handlers for access to
// SeedBootstrapCredential.
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
