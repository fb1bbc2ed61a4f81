// focus-guardian - real-time attentiveness tracking server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/focus-guardian/internal/api"
	"github.com/ashureev/focus-guardian/internal/config"
	"github.com/ashureev/focus-guardian/internal/detector"
	"github.com/ashureev/focus-guardian/internal/frame"
	"github.com/ashureev/focus-guardian/internal/identity"
	"github.com/ashureev/focus-guardian/internal/logging"
	"github.com/ashureev/focus-guardian/internal/metrics"
	"github.com/ashureev/focus-guardian/internal/middleware"
	"github.com/ashureev/focus-guardian/internal/report"
	"github.com/ashureev/focus-guardian/internal/session"
	"github.com/ashureev/focus-guardian/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_driver", cfg.Store.Driver)

	// Initialize dependencies.
	dsn := cfg.Store.DBPath
	if cfg.Store.Driver == store.DriverPostgres {
		dsn = cfg.Store.DatabaseURL
	}
	repo, err := store.Open(context.Background(), cfg.Store.Driver, dsn)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Sessions left open by a crashed process keep their last flushed aggregate.
	closed, err := repo.CloseOpenSessions(context.Background(), time.Now())
	if err != nil {
		slog.Error("Failed to close stale sessions", "error", err)
		os.Exit(1)
	}
	slog.Info("Stale session recovery complete", "sessions_closed", closed)

	det, closeExtractor := newDetector(cfg.Detection, logger)
	defer closeExtractor()

	var hook report.Hook = report.NopHook{}
	if cfg.Report.Enabled {
		fileHook, err := report.NewFileHook(cfg.Report.Dir, cfg.Report.QueueSize, logger)
		if err != nil {
			slog.Error("Failed to initialize report writer", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := fileHook.Close(); closeErr != nil {
				slog.Warn("Failed to close report writer", "error", closeErr)
			}
		}()
		hook = fileHook
	}

	m := metrics.New()
	registry := session.NewRegistry(logger)
	auth := identity.NewTokenAuthenticator(repo)

	// Initialize handlers.
	wsHandler := session.NewHandler(session.Deps{
		Repo:     repo,
		Auth:     auth,
		Codec:    frame.NewCodec(cfg.Detection.MaxFrameBytes, 0),
		Detector: det,
		Registry: registry,
		Hook:     hook,
		Metrics:  m,
		Logger:   logger,
	}, session.Options{
		AuthTimeout:        cfg.WebSocket.AuthTimeout,
		HeartbeatInterval:  cfg.WebSocket.HeartbeatInterval,
		QueueSize:          cfg.WebSocket.MessageQueueSize,
		MaxMessageBytes:    cfg.WebSocket.MaxMessageBytes,
		FrameInterval:      cfg.WebSocket.FrameInterval,
		MaxSessionDuration: cfg.WebSocket.MaxSessionDuration,
		FinalizeTimeout:    cfg.WebSocket.FinalizeTimeout,
		StoreTimeout:       cfg.Store.Timeout,
		AllowedOrigins:     cfg.AllowedOrigins(),
		IsDev:              cfg.IsDevelopment(),
	})
	apiHandler := api.NewHandler(api.Deps{
		Repo:          repo,
		Registry:      registry,
		Metrics:       m,
		Detector:      det,
		Hook:          hook,
		FrameInterval: cfg.WebSocket.FrameInterval,
	})

	corsOrigins := cfg.AllowedOrigins()
	if cfg.IsDevelopment() || len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(corsOrigins))

	// Public routes.
	apiHandler.RegisterPublicRoutes(r)

	// Bearer-authenticated routes.
	apiHandler.RegisterRoutes(r, identity.Middleware(auth))

	// WebSocket endpoint. Authentication happens inside the handshake.
	r.Get("/ws/focus", wsHandler.ServeHTTP)

	// Create server.
	// Note: websocket connections are long lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server. New
	// upgrades are refused from here on and live sessions finalize before
	// the repository closes.
	if err := wsHandler.Shutdown(shutdownCtx, "server shutting down"); err != nil {
		slog.Warn("Live sessions did not close in time", "error", err, "remaining", registry.Len())
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newDetector wires the landmark extractor when enabled. A failed
// connection leaves the synthetic path in place.
func newDetector(cfg config.DetectionConfig, logger *slog.Logger) (*detector.Detector, func()) {
	classifier := detector.NewClassifier(cfg.Thresholds)
	synthetic := detector.NewSynthetic(nil)
	opts := detector.Options{Timeout: cfg.LandmarkTimeout, Logger: logger}

	if !cfg.LandmarkEnabled {
		slog.Info("Landmark extraction disabled, using synthetic detection")
		return detector.New(nil, classifier, synthetic, opts), func() {}
	}

	slog.Info("Connecting to landmark service via gRPC", "address", cfg.LandmarkAddr)
	extractor, err := detector.NewGRPCExtractor(detector.DefaultGRPCConfig(cfg.LandmarkAddr), logger)
	if err != nil {
		slog.Warn("Failed to connect to landmark service, using synthetic detection", "error", err)
		return detector.New(nil, classifier, synthetic, opts), func() {}
	}

	opts.LandmarksAvailable = true
	slog.Info("Landmark extraction enabled")
	return detector.New(extractor, classifier, synthetic, opts), extractor.Close
}
