package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cardio/consult/internal/config"
	"github.com/cardio/consult/internal/domain/bpm"
	"github.com/cardio/consult/internal/domain/checkup"
	"github.com/cardio/consult/internal/domain/consult"
	"github.com/cardio/consult/internal/domain/patient"
	"github.com/cardio/consult/internal/platform/auth"
	"github.com/cardio/consult/internal/platform/cache"
	"github.com/cardio/consult/internal/platform/db"
	"github.com/cardio/consult/internal/platform/metrics"
	"github.com/cardio/consult/internal/platform/middleware"
	"github.com/cardio/consult/internal/platform/notification"
	"github.com/cardio/consult/internal/platform/samplefeed"
	"github.com/cardio/consult/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cardio-server",
		Short: "Patient heart-rate monitoring and checkup scheduling API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
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

	return fn(ctx, db.NewMigrator(pool, migrations.Files))
}

// app holds everything the HTTP server and the sample feed share.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	loc    *time.Location

	pool  *pgxpool.Pool
	redis *redis.Client

	store    patient.Store
	bpm      *bpm.Aggregator
	checkups *checkup.Workflow
	svc      *consult.Service
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, loc: loc}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = patient.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	default:
		a.store = patient.NewMemoryStore()
		logger.Warn().Msg("using in-memory patient store")
	}

	var bpmOpts []bpm.Option
	if cfg.RedisURL != "" {
		client, err := cache.NewClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := cache.Ping(ctx, client); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup; rollups will be recomputed until it recovers")
		}
		a.redis = client
		bpmOpts = append(bpmOpts, bpm.WithCache(cache.NewRedisRollupCache(client, cfg.RollupCacheTTL)))
	}
	a.bpm = bpm.NewAggregator(a.store, logger, bpmOpts...)

	var sender notification.Sender = notification.NewLogSender(logger)
	if cfg.NotifyWebhookURL != "" {
		var opts []notification.WebhookOption
		if cfg.NotifySecret != "" {
			opts = append(opts, notification.WithSigningSecret(cfg.NotifySecret))
		}
		sender = notification.NewWebhookSender(cfg.NotifyWebhookURL, 10*time.Second, 2, opts...)
	}
	notifier := notification.NewCheckupNotifier(sender, notification.NewTemplateEngine(), logger)

	a.checkups = checkup.NewWorkflow(a.store, logger,
		checkup.WithRules(checkup.Rules{
			OpenHour:      cfg.ClinicOpenHour,
			CloseHour:     cfg.ClinicCloseHour,
			MaxMessageLen: cfg.CheckupMessageMax,
		}),
		checkup.WithLocation(loc),
		checkup.WithNotifier(notifier),
	)

	a.svc = consult.NewService(a.store, a.bpm, a.checkups, logger, consult.WithLocation(loc))
	return a, nil
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   a.cfg.AuthIssuer,
		Audience: a.cfg.AuthAudience,
		JWKSURL:  a.cfg.AuthJWKSURL,
	}
	if a.cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(a.cfg.AuthSigningKey)
	}
	if a.cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func (a *app) readinessChecks() map[string]db.Check {
	checks := map[string]db.Check{}
	if a.pool != nil {
		checks["database"] = a.pool.Ping
	}
	if a.redis != nil {
		client := a.redis
		checks["redis"] = func(ctx context.Context) error { return cache.Ping(ctx, client) }
	}
	return checks
}

func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(a.cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(metrics.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.ReadinessHandler(a.readinessChecks()))
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1", a.authMiddleware(), middleware.Audit(a.logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	consult.NewHandler(a.svc).RegisterRoutes(apiV1)
	return e
}

func (a *app) startSampleFeed(ctx context.Context) (*samplefeed.Consumer, error) {
	if a.cfg.MQTTBroker == "" {
		return nil, nil
	}
	consumer := samplefeed.NewConsumer(a.bpm, samplefeed.Config{
		Broker:   a.cfg.MQTTBroker,
		Topic:    a.cfg.MQTTTopic,
		ClientID: a.cfg.MQTTClientID,
		Username: a.cfg.MQTTUsername,
		Password: a.cfg.MQTTPassword,
		QoS:      1,
		Location: a.loc,
	}, a.logger)
	if err := consumer.Start(ctx); err != nil {
		return nil, err
	}
	return consumer, nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	feed, err := a.startSampleFeed(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start sample feed")
	}
	if feed != nil {
		defer feed.Stop()
		logger.Info().Str("broker", cfg.MQTTBroker).Msg("sample feed started")
	}

	e := a.newServer()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
