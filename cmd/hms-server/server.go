package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/payment"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/idempotency"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/internal/platform/mpesa"
	"github.com/hms/hms/internal/platform/notify"
)

const version = "0.1.0"

// routerDeps are the pieces newRouter mounts.
type routerDeps struct {
	bills       *billing.Handler
	payments    *payment.Handler
	pinger      db.Pinger
	poolStats   func() *db.PoolStats
	idempotency echo.MiddlewareFunc
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
	if !cfg.MpesaConfigured() {
		logger.Warn().Msg("M-Pesa credentials incomplete; deposits will fail until MPESA_* is set")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Idempotency store: shared when Redis is configured.
	var idemStore idempotency.Store
	if cfg.RedisURL != "" {
		rdb, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer closeRedis(rdb, logger)
		idemStore = idempotency.NewRedisStore(rdb, idempotency.DefaultTTL)
		logger.Info().Msg("using redis idempotency store")
	} else {
		idemStore = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	}

	// Settlement notifications
	dispatcher := notify.NewDispatcher(cfg.NotifyURLs, cfg.NotifySecret, logger)

	// Payment flow
	uow := db.NewTxRunner(pool)
	billRepo := billing.NewRepoPG(pool)
	txnRepo := payment.NewTransactionRepoPG(pool)
	intentRepo := payment.NewIntentRepoPG(pool)
	gateway := mpesa.NewClient(mpesaConfig(cfg), logger)

	initiator := payment.NewInitiator(uow, billRepo, txnRepo, intentRepo, gateway, logger)
	reconciler := payment.NewReconciler(uow, billRepo, txnRepo, intentRepo, payment.NewCallbackLogPG(pool),
		dispatcher, payment.ReconcilerConfig{FailOnDecline: cfg.FailOnDecline}, logger)
	ledger := payment.NewLedger(txnRepo, logger)
	sweeper := payment.NewSweeper(txnRepo, intentRepo, gateway, reconciler, sweeperConfig(cfg), logger)

	e := newRouter(cfg, logger, routerDeps{
		bills:       billing.NewHandler(billing.NewService(billRepo, logger)),
		payments:    payment.NewHandler(initiator, reconciler, ledger),
		pinger:      pool,
		poolStats:   func() *db.PoolStats { return db.GetPoolStats(pool) },
		idempotency: idempotency.Middleware(idemStore, logger),
	})

	// Pending sweeper
	scheduler := cron.New(cron.WithLogger(cron.PrintfLogger(&logger)))
	if _, err := sweeper.Schedule(scheduler, cfg.SweepSchedule, sweepTimeout); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	scheduler.Start()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("sweep still running at shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("notifications still in flight at shutdown")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newRouter(cfg *config.Config, logger zerolog.Logger, d routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(echomw.RemoveTrailingSlash())

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, idempotency.HeaderKey},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.SecurityHeaders())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	rateLimitCfg.Skipper = func(c echo.Context) bool {
		// Provider callbacks arrive from a small set of IPs in bursts.
		return c.Request().URL.Path == "/transactions/callback"
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	// Auth
	jwtCfg := auth.JWTConfig{
		SigningKey: []byte(cfg.JWTSecret),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development auth enabled: unauthenticated requests run as admin")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if d.pinger != nil {
		e.GET("/health/db", db.HealthHandler(d.pinger, d.poolStats))
	}

	api := e.Group("")
	d.bills.RegisterRoutes(api)
	var depositMW []echo.MiddlewareFunc
	if d.idempotency != nil {
		depositMW = append(depositMW, d.idempotency)
	}
	d.payments.RegisterRoutes(api, depositMW...)

	return e
}

func closeRedis(rdb *redis.Client, logger zerolog.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("close redis")
	}
}
