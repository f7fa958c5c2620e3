package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/persist"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/gateway/relay"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/logging"
	"github.com/mrmushfiq/llm0-stream-gateway/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogJSON, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting LLM stream gateway",
		"port", cfg.Port,
		"env", cfg.Env,
		"provider", cfg.Provider,
		"store", cfg.StoreBackend,
		"rate_limit_backend", cfg.RateLimitBackend,
	)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize conversation store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("conversation store ready", "backend", cfg.StoreBackend)

	// Initialize Redis
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("connected to Redis")
	}

	// Initialize cache
	if redisClient != nil && cfg.CacheEnabled {
		ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
		store = cache.NewStore(store, cache.New(redisClient), ttl, logger)
		logger.Info("conversation cache enabled", "ttl", ttl)
	}

	// Initialize rate limiter
	var limiterStore ratelimit.Store
	if cfg.RateLimitBackend == config.RateLimitRedis {
		limiterStore = ratelimit.NewRedisStore(redisClient, "")
	} else {
		mem := ratelimit.NewMemoryStore()
		go mem.Run(ctx, cfg.RateLimitWindow, cfg.RateLimitWindow)
		limiterStore = mem
	}
	limiter := ratelimit.New(limiterStore, ratelimit.Options{
		Enabled: cfg.RateLimitEnabled,
		Quota:   cfg.RateLimitRequests,
		Window:  cfg.RateLimitWindow,
		Logger:  logger.With("component", "ratelimit"),
	})

	// Initialize provider
	provider, err := providers.New(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("initialized LLM provider", "provider", provider.Name())

	orch := orchestrator.New(
		limiter,
		provider,
		relay.New(cfg.FragmentTimeout, logger.With("component", "relay")),
		persist.NewFinalizer(store, cfg.PersistTimeout, logger),
		orchestrator.Options{StreamTimeout: cfg.StreamTimeout, Logger: logger},
	)

	router := handlers.NewRouter(handlers.Routes{
		Middleware:  handlers.NewMiddleware(cfg.APIKey, cfg.JWTSecret, logger.With("component", "http")),
		Stream:      handlers.NewStreamHandler(orch, relay.Shape(cfg.DefaultOutputShape), cfg.MaxPromptLength, cfg.WriteTimeout, logger),
		History:     handlers.NewHistoryHandler(store, cfg.DefaultPageLimit, cfg.MaxPageLimit, logger),
		Health:      handlers.HealthHandler(store),
		ReadTimeout: 30 * time.Second,
	})

	// HTTP server. WriteTimeout stays unset: streams are bounded by
	// STREAM_TIMEOUT and per-chunk write deadlines instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", srv.Addr,
			"routes", []string{"POST /stream", "GET /history", "GET /history/{id}", "GET /health"},
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("shutting down gracefully")

	// in-flight streams finish and persist before the store closes
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.StreamTimeout+cfg.PersistTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case config.StoreBolt:
		db, err := database.NewBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return db, nil
	default:
		return database.NewMemory(), nil
	}
}
