package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/calllog"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/dispatch"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/relay"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/scheduler"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/config"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/database"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logger"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sugar, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = sugar.Sync() }()

	sugar.Infow("starting keypool gateway", "port", cfg.Port, "env", cfg.Env)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		sugar.Fatalw("failed to connect to database", "driver", cfg.DatabaseDriver, "error", err)
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			sugar.Fatalw("failed to migrate database", "error", err)
		}
	}
	sugar.Infow("connected to database", "driver", db.Driver())

	pool := scheduler.NewPool(db, cfg.PoolRefreshTTL, sugar)

	// Redis is optional: without it there is no rate limiting and pool
	// invalidation waits for the TTL.
	var limiter handlers.RateLimiter
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			sugar.Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close()
		limiter = redisClient

		err = redisClient.SubscribeInvalidations(ctx, func(credentialID string) {
			sugar.Infow("credential pool invalidated", "credential_id", credentialID)
			pool.Invalidate()
		})
		if err != nil {
			sugar.Fatalw("failed to subscribe to pool invalidations", "error", err)
		}
		sugar.Infow("connected to redis", "rate_limit_per_minute", cfg.DefaultRateLimit)
	} else {
		sugar.Warnw("REDIS_URL not set, rate limiting and cross-instance invalidation disabled")
	}

	// Warm the pool so a misconfigured store shows up at boot
	if creds, err := pool.Snapshot(ctx); err != nil {
		sugar.Warnw("initial credential load failed", "error", err)
	} else {
		sugar.Infow("credential pool loaded", "active_credentials", len(creds))
	}

	calls := calllog.NewWriter(db, cfg.CallLogQueueSize, sugar)

	factory := providers.NewFactory(cfg.UpstreamBaseURL, &http.Client{})
	dispatchCfg := dispatch.Config{CallTimeout: cfg.CallTimeout}
	dispatcher := dispatch.New(pool, db, calls, factory, dispatchCfg, sugar)

	router := handlers.NewRouter(handlers.Handlers{
		Middleware:   handlers.NewMiddleware(sugar, limiter, cfg.DefaultRateLimit),
		Chat:         handlers.NewChatHandler(dispatcher, relay.New(cfg.StreamReadTimeout, sugar)),
		Calls:        handlers.NewCallHandler(dispatcher),
		Health:       handlers.NewHealthHandler(pool),
		RouteTimeout: dispatchCfg.Budget(),
	})
	router.Handle("/metrics", promhttp.Handler())

	// HTTP server. WriteTimeout stays off so streams are bounded by the
	// relay's per-read timeout instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		sugar.Infow("server listening",
			"addr", srv.Addr,
			"upstream", cfg.UpstreamBaseURL,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	sugar.Infow("shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("server shutdown error", "error", err)
	}

	// in-flight handlers are done; flush queued outcomes before the store closes
	calls.Close()
	sugar.Infow("server stopped")
}
