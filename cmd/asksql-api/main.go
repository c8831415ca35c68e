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

	"github.com/asksql/asksql/internal/api"
	"github.com/asksql/asksql/internal/auth"
	"github.com/asksql/asksql/internal/cache"
	"github.com/asksql/asksql/internal/cache/memory"
	redisstore "github.com/asksql/asksql/internal/cache/redis"
	"github.com/asksql/asksql/internal/config"
	"github.com/asksql/asksql/internal/database"
	"github.com/asksql/asksql/internal/metrics"
	"github.com/asksql/asksql/internal/nl2sql"
	"github.com/asksql/asksql/internal/observability"
	"github.com/asksql/asksql/internal/pipeline"
	"github.com/asksql/asksql/internal/sqlguard"
)

func main() {
	cfg, err := config.LoadFromEnv("asksql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := database.Open(context.Background(), database.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize cache store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	generator, err := nl2sql.NewGeminiClient(nl2sql.GeminiConfig{
		Endpoint:       cfg.AI.Endpoint,
		APIKey:         cfg.AI.APIKey,
		Timeout:        cfg.AI.Timeout,
		TotalTimeout:   cfg.AI.TotalTimeout,
		MaxAttempts:    cfg.AI.MaxAttempts,
		BackoffInitial: cfg.AI.BackoffInitial,
		BackoffMax:     cfg.AI.BackoffMax,
		RateLimit:      cfg.AI.RateLimit,
		RateBurst:      cfg.AI.RateBurst,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to initialize sql generator", slog.Any("error", err))
		os.Exit(1)
	}

	dialect := "PostgreSQL"
	if cfg.Database.Driver == config.DriverDuckDB {
		dialect = "DuckDB"
	}
	schema := database.NewSchemaProvider(db, cfg.Database.Schema)
	counters := metrics.NewService(store, logger)
	service, err := pipeline.NewService(pipeline.Dependencies{
		Schema:    schema,
		Generator: generator,
		Sanitizer: sqlguard.New(sqlguard.Options{DefaultLimit: cfg.SQL.DefaultLimit}),
		Executor: database.NewExecutor(db, database.ExecutorOptions{
			QueryTimeout: cfg.Database.QueryTimeout,
			ReadOnly:     cfg.Database.ReadOnlyTx,
		}),
		Cache:         cache.NewQueryCache(store, cfg.Cache.TTL, logger),
		Metrics:       counters,
		Prompt:        nl2sql.PromptOptions{Dialect: dialect, Limit: cfg.SQL.DefaultLimit},
		Singleflight:  cfg.Cache.Singleflight,
		FlightTimeout: cfg.AI.GenerationBudget() + cfg.Database.QueryTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to initialize query pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:   logger,
		Pipeline: service,
		Metrics:  counters,
		Schema:   schema,
		Readiness: api.CombineReadinessChecks(
			api.CheckPing("database", api.PingFunc(db.PingContext)),
			api.CheckPing("cache", store),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("driver", cfg.Database.Driver),
			slog.Bool("redis", cfg.Cache.RedisURL != ""),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// openStore prefers Redis; without a URL the cache and counters live in
// process memory and are lost on restart.
func openStore(cfg config.Config, logger *slog.Logger) (cache.Store, error) {
	if cfg.Cache.RedisURL == "" {
		logger.Warn("ASKSQL_REDIS_URL not set, using in-memory cache")
		return memory.New(cfg.Cache.MaxEntries)
	}
	store, err := redisstore.New(cfg.Cache.RedisURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		logger.Warn("redis not reachable at startup, lookups will miss until it recovers", slog.Any("error", err))
	}
	return store, nil
}
