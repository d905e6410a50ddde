package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shoply/commerce/services/engagement-service/internal/audit"
	"github.com/shoply/commerce/services/engagement-service/internal/config"
	"github.com/shoply/commerce/services/engagement-service/internal/domain"
	"github.com/shoply/commerce/services/engagement-service/internal/infrastructure/memory"
	"github.com/shoply/commerce/services/engagement-service/internal/infrastructure/postgres"
	"github.com/shoply/commerce/services/engagement-service/internal/infrastructure/rabbitmq"
	"github.com/shoply/commerce/services/engagement-service/internal/infrastructure/redis"
	"github.com/shoply/commerce/services/engagement-service/internal/pkg/logger"
	"github.com/shoply/commerce/services/engagement-service/internal/security"
	"github.com/shoply/commerce/services/engagement-service/internal/service"
	"github.com/shoply/commerce/services/engagement-service/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "engagement-service").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Store backend ----
	var store domain.EngagementStore
	var pgRepo *postgres.Repository

	switch cfg.StoreBackend {
	case "postgres":
		dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres pool create failed")
		}
		defer dbPool.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := dbPool.Ping(pingCtx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		cancel()
		log.Info().Msg("postgres connected")

		pgRepo = postgres.New(dbPool)
		pgRepo.StartIdempotencyKeyCleanup(rootCtx)
		store = pgRepo

	case "memory":
		log.Warn().Msg("using in-memory store; engagement does not survive restarts")
		store = memory.New()
	}

	// ---- Redis (view markers + rate limit) ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	var markers domain.ViewMarkerStore = cache
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		if err := cache.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed; falling back to in-process view markers")
			set := memory.NewMarkerSet()
			set.StartSweeper(rootCtx, cfg.ViewCooldown)
			markers = set
		} else {
			log.Info().Msg("redis connected")
		}
		cancel()
	}

	// ---- Application service ----
	svc := service.NewEngagementService(store, markers, cfg.ViewCooldown)
	h := rest.NewHandler(svc, audit.New(log))

	// ---- JWT verifier ----
	verifier := security.NewHS256Verifier(cfg.JWTSecret)

	// ---- Router ----
	deps := rest.RouterDeps{
		Handler:   h,
		Verifier:  verifier,
		JWTIssuer: cfg.JWTIssuer,
	}
	if cfg.RLEnabled {
		deps.Cache = cache
		deps.RateLimit = cfg.RLLimit
		deps.RateLimitWindow = cfg.RLWindow
	}
	httpHandler := rest.NewRouter(deps)

	// ---- MQ consumer (inbound catalog snapshots) ----
	if cfg.ConsumerEnabled {
		mqConsumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, store)
		if err := mqConsumer.Start(rootCtx); err != nil {
			log.Warn().Err(err).Msg("rabbitmq consumer failed to start (continuing)")
		}
	}

	// ---- Outbox worker (outbound engagement.* events) ----
	if cfg.OutboxEnabled && pgRepo != nil {
		pgRepo.StartOutboxWorker(rootCtx, cfg.RabbitURL, cfg.RabbitExchange)
		log.Info().Msg("outbox worker started")
	}

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
