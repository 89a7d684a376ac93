package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/rebound-engine/rebound/internal/api"
	"github.com/rebound-engine/rebound/pkg/analyzer"
	"github.com/rebound-engine/rebound/pkg/cache"
	"github.com/rebound-engine/rebound/pkg/catalog"
	"github.com/rebound-engine/rebound/pkg/config"
	"github.com/rebound-engine/rebound/pkg/engine"
	"github.com/rebound-engine/rebound/pkg/explorer"
	"github.com/rebound-engine/rebound/pkg/health"
	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/metrics"
	"github.com/rebound-engine/rebound/pkg/parallel"
	"github.com/rebound-engine/rebound/pkg/store"
	"github.com/rebound-engine/rebound/pkg/tracing"
)

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "reboundd",
		Version:     "1.0.0",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	// Failure store
	failureStore, err := store.Open(&cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open failure store: %v", err)
	}
	defer failureStore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := failureStore.Health(ctx); err != nil {
		log.Fatalf("Failure store health check failed: %v", err)
	}
	cancel()

	logger.Info("Failure store opened",
		"driver", cfg.Store.Driver,
		"retention_days", cfg.Store.RetentionDays,
	)

	m := metrics.NewMetrics(metrics.DefaultConfig())
	failureStore.WithMetrics(m)

	// Tracing is opt-in via JAEGER_ENDPOINT
	tracingCfg := tracing.DefaultConfig()
	tracingCfg.ServiceName = "reboundd"
	tracingCfg.Enabled = false
	if endpoint := os.Getenv("JAEGER_ENDPOINT"); endpoint != "" {
		tracingCfg.JaegerEndpoint = endpoint
		tracingCfg.Enabled = true
	}
	tracingService, err := tracing.NewTracingService(tracingCfg)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracingService.Shutdown(ctx)
	}()

	// Retention janitor
	janitor := store.NewJanitor(failureStore, cfg.Store.PurgeSchedule, cfg.Store.RetentionDays)
	if err := janitor.Start(); err != nil {
		log.Fatalf("Failed to start retention janitor: %v", err)
	}
	defer janitor.Stop()

	// Optional fallback cache
	var fallback cache.ResultCache
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, using in-memory fallback cache", "error", err.Error())
			fallback = cache.NewMemoryCache(cache.DefaultTTL)
		} else {
			fallback = cache.NewRedisCache(redisClient, cache.DefaultTTL)
			logger.Info("Fallback cache connected", "addr", cfg.RedisAddr())
		}
		cancel()
	} else {
		fallback = cache.NewMemoryCache(cache.DefaultTTL)
	}

	// Engine assembly. The daemon exposes the ops surface; strategies are
	// registered by embedding applications, so the catalog starts empty.
	failureAnalyzer := analyzer.New(failureStore, analyzer.Config{
		BlacklistThreshold: cfg.Engine.BlacklistThreshold,
		BlacklistWindow:    cfg.Engine.BlacklistWindow,
		InstabilityWindow:  cfg.Engine.InstabilityWindow,
		Metrics:            m,
	})

	eng, err := engine.New(engine.Options{
		Config:   cfg.Engine,
		Analyzer: failureAnalyzer,
		Explorer: explorer.New(catalog.New(), failureStore),
		Racer:    parallel.New(cfg.Engine.MaxParallelStrategies),
		Fallback: fallback,
		Store:    failureStore,
		Metrics:  m,
		Tracer:   tracingService,
	})
	if err != nil {
		log.Fatalf("Failed to assemble engine: %v", err)
	}

	// Health checks
	healthService := health.NewService(logger, &health.Config{
		Timeout: 5 * time.Second,
		Metadata: map[string]string{
			"service": "reboundd",
			"version": "1.0.0",
		},
	})
	healthService.RegisterChecker("store", health.NewStoreChecker(failureStore, "store"))
	if redisClient != nil {
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
	}
	if cfg.Advisor.Endpoint != "" {
		healthService.RegisterChecker("advisor",
			health.NewHTTPChecker(cfg.Advisor.Endpoint, "advisor", 5*time.Second))
	}

	router := api.NewRouter(cfg, api.NewHandler(eng, failureStore), healthService, m, tracingService, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting ops server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}
