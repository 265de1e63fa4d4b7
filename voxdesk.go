// Package voxdesk is the public API for embedding the voxdesk voice-agent
// backend.
//
// Consumers construct the server with options and run it until the context
// is cancelled:
//
//	app, err := voxdesk.New(
//	    voxdesk.WithVersion(version),
//	    voxdesk.WithLogger(logger),
//	    voxdesk.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
package voxdesk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/voxdesk/api"
	"github.com/ashita-ai/voxdesk/internal/auth"
	"github.com/ashita-ai/voxdesk/internal/billing"
	"github.com/ashita-ai/voxdesk/internal/config"
	"github.com/ashita-ai/voxdesk/internal/mcp"
	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/ratelimit"
	"github.com/ashita-ai/voxdesk/internal/secrets"
	"github.com/ashita-ai/voxdesk/internal/server"
	"github.com/ashita-ai/voxdesk/internal/storage"
	"github.com/ashita-ai/voxdesk/internal/telemetry"
)

const shutdownHTTPTimeout = 10 * time.Second

// App is the voxdesk server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	billing      *billing.Service
	limiter      RateLimiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It connects to the database, applies
// migrations, wires all subsystems, and seeds the bootstrap credential.
// It starts no goroutines and accepts no connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: ParseLogLevel(cfg.LogLevel),
		}))
	}

	logger.Info("voxdesk starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	// cleanup unwinds everything created so far when a later step fails.
	var db *storage.DB
	cleanup := func() {
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(context.Background())
	}

	metrics, err := telemetry.NewInstruments()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}

	db, err = storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.Setup(ctx); err != nil {
		cleanup()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			cleanup()
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("auth: %w", err)
	}

	box, err := secrets.NewBox(cfg.SecretsKey)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("secrets: %w", err)
	}
	if !box.Enabled() {
		logger.Warn("secrets box disabled, MCP env values and BYOK keys are stored in plaintext",
			"hint", "set VOXDESK_SECRETS_KEY")
	}

	billingSvc, err := billing.New(db, box, billing.Config{
		TrialBudget:         cfg.TrialBudget,
		RefreshInterval:     cfg.BudgetRefreshInterval,
		SweepInterval:       cfg.BudgetSweepInterval,
		StripeSecretKey:     cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		StripeTopUpPriceID:  cfg.StripeTopUpPriceID,
		TopUpUnitAmount:     cfg.TopUpUnitAmount,
	}, logger)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("billing: %w", err)
	}
	if billingSvc.TopUpsEnabled() {
		logger.Info("billing: stripe top-ups enabled")
	} else {
		logger.Info("billing: stripe top-ups disabled (no STRIPE_SECRET_KEY)")
	}

	mcpSrv := mcp.New(db, logger, version)

	var limiter RateLimiter
	switch {
	case o.limiter != nil:
		limiter = o.limiter
		logger.Info("rate limiting: external limiter")
	case cfg.RateLimitEnabled:
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	default:
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		DB:      db,
		JWTMgr:  jwtMgr,
		Billing: billingSvc,
		Box:     box,
		AuthGate: server.AuthGateConfig{
			PublicPages:       cfg.PublicPages,
			PublicTokenRoutes: cfg.PublicTokenRoutes,
		},
		Logger:              logger,
		Limiter:             limiter,
		Metrics:             metrics,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Site: model.SiteInfo{
			SiteURL:      cfg.SiteURL,
			AppURL:       cfg.AppURL,
			ContactEmail: cfg.ContactEmail,
		},
		FormMarker:   cfg.FormMarker,
		FormTimeout:  cfg.FormTimeout,
		FormMaxBytes: cfg.FormMaxBytes,
		OpenAPISpec:  api.OpenAPISpec,
		ExtraRoutes:  extraRoutes,
		Middlewares:  middlewares,
	})

	if err := srv.Handlers().SeedBootstrapCredential(ctx, cfg.BootstrapUserID, cfg.BootstrapAPIKey); err != nil {
		_ = limiter.Close()
		cleanup()
		return nil, fmt.Errorf("bootstrap seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		billing:      billingSvc,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run serves HTTP and runs the budget refresh sweep until ctx is cancelled
// or the listener fails. It then shuts down in order: HTTP drain, background
// loops, rate limiter, telemetry, database pool.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLoops()

	var loops errgroup.Group
	loops.Go(func() error {
		a.billing.Run(loopCtx)
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("voxdesk shutting down")
		httpCtx, cancel := context.WithTimeout(context.Background(), shutdownHTTPTimeout)
		defer cancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})
	runErr := g.Wait()

	stopLoops()
	_ = loops.Wait()

	if err := a.limiter.Close(); err != nil {
		a.logger.Warn("rate limiter close failed", "error", err)
	}
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown failed", "error", err)
	}
	a.db.Close()

	a.logger.Info("voxdesk stopped")
	return runErr
}

// ParseLogLevel maps a VOXDESK_LOG_LEVEL value to a slog level. Unknown
// values fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
