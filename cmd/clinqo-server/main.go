package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinqo/clinqo/internal/ai"
	"github.com/clinqo/clinqo/internal/config"
	"github.com/clinqo/clinqo/internal/domain/encounter"
	"github.com/clinqo/clinqo/internal/domain/feedback"
	"github.com/clinqo/clinqo/internal/pipeline"
	"github.com/clinqo/clinqo/internal/platform/auth"
	"github.com/clinqo/clinqo/internal/platform/db"
	"github.com/clinqo/clinqo/internal/platform/middleware"
	"github.com/clinqo/clinqo/internal/platform/telemetry"
	"github.com/clinqo/clinqo/internal/platform/websocket"
)

func main() {
	root := &cobra.Command{
		Use:   "clinqo-server",
		Short: "Clinqo clinic workflow server",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	root.AddCommand(serveCmd)
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", "./migrations", "Migrations directory")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to run migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s)\n", applied)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to check migration status")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-8s %-40s %-10s %s\n", "VERSION", "NAME", "APPLIED", "APPLIED AT")
			for _, st := range statuses {
				appliedAt := "-"
				if st.AppliedAt != nil {
					appliedAt = st.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-8d %-40s %-10t %s\n", st.Version, st.Name, st.Applied, appliedAt)
			}
			return nil
		},
	}

	cmd.AddCommand(upCmd)
	cmd.AddCommand(statusCmd)
	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Storage: PostgreSQL when configured, in-memory otherwise (dev only,
	// Validate rejects a missing DATABASE_URL outside development).
	ctx := context.Background()
	var encRepo encounter.Repository
	var fbRepo feedback.Repository
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		pool = p
		encRepo = encounter.NewRepo(p)
		fbRepo = feedback.NewRepo(p)
		logger.Info().Msg("connected to database")
	} else {
		encRepo = encounter.NewMemoryRepo()
		fbRepo = feedback.NewMemoryRepo()
		logger.Warn().Msg("running with in-memory storage")
	}

	metrics := telemetry.New()

	// The hub needs the encounter service for resync snapshots and the
	// service needs the hub to publish deltas. The snapshot closure
	// resolves the cycle: it dereferences encSvc at request time, after
	// both are constructed.
	var encSvc *encounter.Service
	hub := websocket.NewHub(
		func(ctx context.Context, encounterID string) (json.RawMessage, int64, error) {
			return encounter.SnapshotFunc(encSvc)(ctx, encounterID)
		},
		websocket.Options{
			DeltaRetention:    cfg.DeltaRetention,
			SessionQueueLimit: cfg.SessionQueueLimit,
			Metrics:           metrics,
		},
		logger,
	)
	encSvc = encounter.NewService(encRepo, encounter.NewHubPublisher(hub, logger), logger)

	fbSvc := feedback.NewService(fbRepo, encSvc, logger)

	// AI adapters
	var transcriber ai.Transcriber
	if cfg.STTURL != "" {
		transcriber = ai.NewWhisperClient(cfg.STTURL)
	}
	extractor := ai.NewContextExtractor(transcriber)
	suggester := ai.NewOpenRouterClient(cfg.OpenRouterAPIKey, cfg.OpenRouterURL, cfg.OpenRouterModel, nil)

	orch := pipeline.New(encSvc, fbSvc, extractor, suggester, pipeline.Config{
		SuggestionTimeout: cfg.SuggestionTimeout(),
		MaxAttempts:       cfg.SuggestionMaxAttempts,
	}, metrics, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() && cfg.JWTSigningKey == "" {
		logger.Warn().Msg("JWT_SIGNING_KEY not set; using dev auth")
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.JWTSigningKey),
		})
	}

	// Health and metrics stay outside auth.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", metrics.Handler())

	// API routes
	api := e.Group("/api/v1", authMW)
	encounter.NewHandler(encSvc, orch, fbSvc, logger).RegisterRoutes(api, auth.RequireRole(auth.RoleDoctor))
	feedback.NewHandler(fbSvc, logger).RegisterRoutes(api)

	// The realtime channel sits at the root, outside the API prefix.
	websocket.NewHandler(hub, logger).RegisterRoutes(e.Group("", authMW))

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	orch.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
