// Package app assembles the licensing server: configuration, logging,
// observability, persistence, the activation engine, its reclamation worker
// and the HTTP surface, with coordinated startup and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"licensor/internal/activation"
	"licensor/internal/config"
	"licensor/internal/crypto"
	"licensor/internal/envelope"
	"licensor/internal/infrastructure"
	appmiddleware "licensor/internal/middleware"
	"licensor/internal/services"
	"licensor/internal/store"
	"licensor/internal/store/sqlite"
	transport "licensor/internal/transport/http"
)

// Application owns the server's long-lived components.
type Application struct {
	cfg       *config.Config
	logger    *slog.Logger
	logClose  func() error
	providers *infrastructure.Providers
	store     store.Store
	engine    *activation.Engine
	reclaimer *activation.Reclaimer
	server    *http.Server
}

// New builds a fully wired application from configuration.
func New(cfg *config.Config) (*Application, error) {
	logger, logClose, err := infrastructure.NewLogger(
		cfg.Logging.Level, cfg.Logging.Output, cfg.Logging.FilePath)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	providers, err := infrastructure.InitObservability(logger, cfg.Telemetry.TraceExporter)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	metrics, err := infrastructure.NewLicenseMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("create license metrics: %w", err)
	}

	secrets, err := crypto.LoadSecretsFile(cfg.Licensing.SecretsFile, cfg.Licensing.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	st, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	codec := envelope.NewCodec(nil)
	engine := activation.NewEngine(st, codec, secrets, logger,
		activation.WithMetrics(metrics))
	reclaimer, err := activation.NewReclaimer(st, logger, cfg.Licensing.HeartbeatInterval,
		activation.WithSweepInterval(cfg.Licensing.SweepInterval),
		activation.WithStaleAfter(cfg.Licensing.StaleAfter),
		activation.WithReclaimMetrics(metrics))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build reclaimer: %w", err)
	}

	service := services.NewLicenseService(engine, st, secrets, logger)
	licenseHandler := transport.NewLicenseHandler(service, logger)
	healthHandler := transport.NewHealthHandler(service, logger)

	apiKeyAuth, err := appmiddleware.NewAPIKeyAuth(secrets.APIKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build api key auth: %w", err)
	}
	var jwtAuth *appmiddleware.JWTAuth
	if cfg.Security.JWTSecret != "" {
		jwtAuth = appmiddleware.NewJWTAuth(cfg.Security.JWTSecret, cfg.Security.JWTIssuer)
	}
	var limiter *appmiddleware.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		limiter = appmiddleware.NewRateLimiter(
			cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst)
	}

	router := transport.NewRouter(cfg, transport.RouterDeps{
		License:    licenseHandler,
		Health:     healthHandler,
		Metrics:    providers.PrometheusHTTP,
		APIKeyAuth: apiKeyAuth,
		JWTAuth:    jwtAuth,
		RateLimit:  limiter,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Application{
		cfg:       cfg,
		logger:    logger,
		logClose:  logClose,
		providers: providers,
		store:     st,
		engine:    engine,
		reclaimer: reclaimer,
		server:    server,
	}, nil
}

// Run serves until the context is cancelled or a signal arrives, then shuts
// down in order: HTTP server, reclamation worker, store, telemetry.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "http server listening", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.reclaimer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("reclamation worker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *Application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.store.Close(); err != nil {
		a.logger.ErrorContext(ctx, "store close failed", slog.String("error", err.Error()))
	}
	if err := a.providers.Shutdown(ctx); err != nil {
		a.logger.ErrorContext(ctx, "telemetry shutdown failed", slog.String("error", err.Error()))
	}
	if err := a.logClose(); err != nil {
		a.logger.ErrorContext(ctx, "log close failed", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "application stopped")
}
