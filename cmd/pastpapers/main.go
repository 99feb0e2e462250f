package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/earthboundkid/versioninfo/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shindakun/pastpapers/internal/audit"
	"github.com/shindakun/pastpapers/internal/auth"
	"github.com/shindakun/pastpapers/internal/config"
	"github.com/shindakun/pastpapers/internal/identity"
	"github.com/shindakun/pastpapers/internal/logging"
	"github.com/shindakun/pastpapers/internal/login"
	"github.com/shindakun/pastpapers/internal/metrics"
	"github.com/shindakun/pastpapers/internal/storage"
	"github.com/shindakun/pastpapers/internal/version"
	"github.com/shindakun/pastpapers/internal/web/handlers"
	webmiddleware "github.com/shindakun/pastpapers/internal/web/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// pruneInterval is how often old login events are swept
const pruneInterval = time.Hour

func main() {
	versioninfo.AddFlag(nil)
	configFlag := flag.String("config", "", "path to config.yaml (default $CONFIG_PATH or ./config.yaml)")
	flag.Parse()

	// Load configuration
	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting pastpapers", zap.String("version", version.GetFullVersion()))

	// Initialize database
	logger.Info("initializing database", zap.String("path", cfg.Storage.DBPath))
	db, err := storage.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if v, err := storage.SchemaVersion(db); err == nil {
		logger.Info("database ready", zap.Int("schema_version", v))
	}

	auditLog := audit.NewLog(db, logger, nil)
	if _, err := auditLog.Prune(context.Background(), cfg.Storage.EventRetention); err != nil {
		logger.Warn("failed to prune login events", zap.Error(err))
	}

	pruneCtx, stopPruner := context.WithCancel(context.Background())
	defer stopPruner()
	go audit.NewPruner(auditLog, cfg.Storage.EventRetention, pruneInterval, nil).Run(pruneCtx)

	identityClient, err := identity.New(identity.Options{
		URL:         cfg.Identity.URL,
		APIKey:      cfg.Identity.APIKey,
		SiteURL:     cfg.GetBaseURL(),
		Timeout:     cfg.Identity.Timeout,
		FlowTTL:     cfg.Identity.FlowTTL,
		SettingsTTL: cfg.Identity.SettingsTTL,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize identity client: %w", err)
	}
	metrics.TrackPendingOAuthFlows(identityClient.PendingFlows)
	logger.Info("identity client initialized",
		zap.String("url", cfg.Identity.URL),
		zap.String("site_url", cfg.GetBaseURL()),
		zap.Strings("providers", cfg.Identity.Providers),
	)

	sessionManager := auth.InitSessions(
		cfg.Session.Secret,
		cfg.Session.MaxAge,
		cfg.CookieSecure(),
		cfg.CookieSameSite(),
	)

	flowLogger := logger.Named("login")
	flows := auth.NewFlowRegistry(cfg.Login.MaxFlows, cfg.Login.FlowIdleTimeout, func(visitorID string, nav *auth.Navigator) *login.Flow {
		opts := []login.Option{
			login.WithLogger(flowLogger.With(zap.String("visitor_id", visitorID))),
			login.WithRecorder(auditLog.ForVisitor(visitorID)),
		}
		if cfg.Login.OAuthSingleFlight {
			opts = append(opts, login.WithOAuthSingleFlight())
		}
		return login.NewFlow(identityClient, nav, opts...)
	}, logger)
	defer flows.Close()

	h, err := handlers.New(sessionManager, flows, identityClient, auditLog, cfg.Identity.Providers, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(webmiddleware.LoggingMiddleware(logger.Named("http"), sessionManager))
	r.Use(webmiddleware.ErrorHandler(logger, http.HandlerFunc(h.InternalError)))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(webmiddleware.MaxBytesMiddleware(cfg.Server.MaxRequestBytes))

	// Public routes
	r.Get("/", h.Landing)
	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	// Auth routes
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", h.LoginPage)
		r.Post("/login", h.LoginSubmit)
		r.Get("/login/state", h.LoginState)
		r.Post("/oauth", h.OAuthSubmit)
		r.Get("/logout", h.Logout)
	})

	// Protected routes; the OAuth redirect lands on /dashboard before a session exists
	r.Group(func(r chi.Router) {
		r.Use(h.CompleteOAuth)
		r.Use(webmiddleware.RequireAuth(sessionManager))
		r.Get(login.OAuthRedirectPath, h.Dashboard)
	})

	r.Group(func(r chi.Router) {
		r.Use(webmiddleware.RequireAuth(sessionManager))
		r.Get("/account/history/{format}", h.ExportHistory)
	})

	// 404 handler (must be last)
	r.NotFound(h.NotFound)

	srv := &http.Server{
		Addr:         cfg.GetAddr(),
		Handler:      otelhttp.NewHandler(r, "pastpapers"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", "http://"+cfg.GetAddr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed to start: %w", err)
	case sig := <-quit:
		logger.Info("server shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited successfully")
	return nil
}
