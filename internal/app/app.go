// Package app assembles the license server: configuration, logging,
// telemetry, the billing provider, the license engine, and the HTTP
// surface, with graceful shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"gigdesk/internal/billing"
	"gigdesk/internal/config"
	"gigdesk/internal/infrastructure"
	"gigdesk/internal/license"
	"gigdesk/internal/middleware"
	handlers "gigdesk/internal/transport/http"
)

// Version is the build version, overridable at link time.
var Version = "dev"

// Application is the assembled license server.
type Application struct {
	Config     *config.Config
	Logger     *slog.Logger
	Router     *chi.Mux
	Server     *http.Server
	Engine     *license.Engine
	Reconciler *license.Reconciler
	Providers  *infrastructure.OTelProviders
	Metrics    *infrastructure.BusinessMetrics
}

// New builds the application from configuration.
func New(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("app: logger: %w", err)
	}

	otelCfg := infrastructure.DefaultOTelConfig()
	otelCfg.ServiceVersion = Version
	providers, err := infrastructure.InitOTel(otelCfg)
	if err != nil {
		return nil, fmt.Errorf("app: telemetry: %w", err)
	}

	metrics, err := infrastructure.NewBusinessMetrics()
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	provider := billing.NewStripeProvider(cfg.Billing.StripeAPIKey, cfg.Billing.WebhookSecret, logger)
	engine := license.NewEngine(provider, []byte(cfg.Token.SigningSecret), logger)
	reconciler := license.NewReconciler(provider, engine, logger)

	application := &Application{
		Config:     cfg,
		Logger:     logger,
		Engine:     engine,
		Reconciler: reconciler,
		Providers:  providers,
		Metrics:    metrics,
	}
	application.Router = application.buildRouter()
	application.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        application.Router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return application, nil
}

func (a *Application) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
	}))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	if a.Config.Security.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		)
		r.Use(limiter.Handler)
	}

	licenseHandler := handlers.NewLicenseHandler(a.Engine, a.Logger, a.Metrics)
	webhookHandler := handlers.NewWebhookHandler(a.Reconciler, a.Logger, a.Metrics)
	healthHandler := handlers.NewHealthHandler(Version)

	r.Mount("/api", licenseHandler.Routes())
	r.Mount("/webhook", webhookHandler.Routes())
	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", infrastructure.PrometheusHTTP())

	return r
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then shuts
// down within the configured grace period.
func (a *Application) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("license server listening",
			slog.String("addr", a.Server.Addr),
			slog.String("version", Version))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: server: %w", err)
	case sig := <-stop:
		a.Logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	return a.Shutdown()
}

// Shutdown drains in-flight requests and flushes telemetry.
func (a *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("server shutdown failed", slog.String("error", err.Error()))
		return fmt.Errorf("app: shutdown: %w", err)
	}

	if a.Providers != nil {
		if err := a.Providers.Shutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}

	a.Logger.Info("shutdown complete")
	return nil
}
