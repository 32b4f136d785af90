// Package main provides the evalbench API service.
//
// The service owns the HTTP surface: datasets, experiments, experiment sets,
// the leaderboard, and the retry planner. Work it creates is handed to the
// runner fleet through the task queue; the service itself never executes a
// model call.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/evalbench-io/evalbench/internal/api"
	"github.com/evalbench-io/evalbench/internal/api/middleware"
	"github.com/evalbench-io/evalbench/internal/llm"
	"github.com/evalbench-io/evalbench/internal/metrics"
	"github.com/evalbench-io/evalbench/internal/runner"
	"github.com/evalbench-io/evalbench/internal/storage"
)

// Version information.
const (
	version = "1.0.0"
	name    = "evalbench"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting evalbench service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
	)

	adminGuard, err := middleware.LoadAdminGuard(logger)
	if err != nil {
		logger.Error("Failed to load admin guard", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	store, err := storage.NewStore(dbConn)
	if err != nil {
		logger.Error("Failed to create store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	// The engine configuration carries the queue endpoints and LLM timeout;
	// the API side only needs the sink half to enqueue dispatched tasks.
	engineConfig := runner.LoadConfig()

	client := llm.NewClient(engineConfig.LLMTimeout)

	judgeConfig, err := metrics.LoadJudgeConfig()
	if err != nil {
		logger.Error("Failed to load judge configuration", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	registry, err := metrics.DefaultRegistry(client, judgeConfig)
	if err != nil {
		logger.Error("Failed to build metric registry", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	if !judgeConfig.Enabled() {
		logger.Warn("Judge endpoint not configured - llm-kind metrics will fail at call time",
			slog.String("note", "Set EVALBENCH_JUDGE_BASE_URL and EVALBENCH_JUDGE_MODEL to enable them"),
		)
	}

	sink, err := runner.NewZMQSink(ctx, engineConfig.SinkURL)
	if err != nil {
		logger.Error("Failed to connect to task queue", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = sink.Close()
	}()

	logger.Info("Task queue sink connected", slog.String("sink_url", engineConfig.SinkURL))

	dispatcher := runner.NewDispatcher(store, registry, sink)

	server := api.NewServer(serverConfig, store, registry, dispatcher, adminGuard, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)

		_ = sink.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("evalbench service stopped")
}
