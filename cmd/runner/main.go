// Package main provides the evalbench task runner.
//
// The runner binds the streamer device on the queue endpoints, pulls task
// envelopes through a fixed worker pool, and executes them: answer tasks call
// the experiment's model endpoint, observation tasks score stored answers.
// Lifecycle transitions ride on the counter values upserts return, so a
// runner restart never loses an experiment mid-flight.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/evalbench-io/evalbench/internal/config"
	"github.com/evalbench-io/evalbench/internal/llm"
	"github.com/evalbench-io/evalbench/internal/metrics"
	"github.com/evalbench-io/evalbench/internal/runner"
	"github.com/evalbench-io/evalbench/internal/storage"
)

// Version information.
const (
	version = "1.0.0"
	name    = "evalbench-runner"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	engineConfig := runner.LoadConfig()
	if err := engineConfig.Validate(); err != nil {
		logger.Error("Invalid engine configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting evalbench runner",
		slog.String("service", name),
		slog.String("version", version),
		slog.Int("workers", engineConfig.Workers),
		slog.String("sink_url", engineConfig.SinkURL),
		slog.String("source_url", engineConfig.SourceURL),
		slog.Duration("llm_timeout", engineConfig.LLMTimeout),
	)

	// Shutdown is signal-driven: canceling this context unblocks the socket
	// recv loops in the streamer and every worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
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
	)

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
		logger.Warn("Judge endpoint not configured - llm-kind metrics will fail at call time")
	}

	// The streamer device binds both queue endpoints. Producers (the API
	// service and the lifecycle re-dispatch below) dial the sink; workers
	// dial the source.
	streamer, err := runner.NewStreamer(ctx, engineConfig.SinkURL, engineConfig.SourceURL, logger)
	if err != nil {
		logger.Error("Failed to bind streamer device", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = streamer.Close()
	}()

	go func() {
		if err := streamer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Streamer device stopped", slog.String("error", err.Error()))
		}
	}()

	// The lifecycle re-dispatches through the same device the API uses, so
	// observation tasks spawned by a phase handoff load-balance across the
	// whole worker fleet.
	sink, err := runner.NewZMQSink(ctx, engineConfig.SinkURL)
	if err != nil {
		logger.Error("Failed to connect task sink", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = sink.Close()
	}()

	dispatcher := runner.NewDispatcher(store, registry, sink)
	lifecycle := runner.NewLifecycle(store, dispatcher)

	source, err := runner.NewZMQSource(ctx, engineConfig.SourceURL)
	if err != nil {
		logger.Error("Failed to connect task source", slog.String("error", err.Error()))

		_ = sink.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = source.Close()
	}()

	pool, err := runner.NewPool(engineConfig, store, registry, client, source, lifecycle)
	if err != nil {
		logger.Error("Failed to create worker pool", slog.String("error", err.Error()))

		_ = source.Close()
		_ = sink.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker pool stopped", slog.String("error", err.Error()))

		_ = source.Close()
		_ = sink.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("evalbench runner stopped")
}
