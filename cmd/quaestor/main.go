// Command quaestor is the retrieval-augmented answering server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quaestor-ai/quaestor/internal/config"
	"github.com/quaestor-ai/quaestor/internal/facts"
	"github.com/quaestor-ai/quaestor/internal/health"
	"github.com/quaestor-ai/quaestor/internal/observe"
	"github.com/quaestor-ai/quaestor/internal/pipeline"
	"github.com/quaestor-ai/quaestor/internal/server"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "quaestor: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "quaestor: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("quaestor starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "quaestor",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	embedder, err := buildEmbedder(cfg.Providers.Embeddings, cfg.Timeouts.Retrieval)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name, "model", embedder.ModelID())

	generator, err := buildGenerator(cfg.Providers, cfg.Timeouts)
	if err != nil {
		slog.Error("failed to build generation provider", "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "generation", "name", cfg.Providers.Generation.Name, "model", generator.ModelID())

	reranker, err := buildReranker(cfg.Providers.Rerank, cfg.Timeouts.Retrieval)
	if err != nil {
		slog.Error("failed to build rerank provider", "err", err)
		return 1
	}
	if reranker != nil {
		slog.Info("provider created", "kind", "rerank", "name", cfg.Providers.Rerank.Name)
	} else {
		slog.Info("reranking disabled, using retrieval order")
	}

	// ── Vector store ──────────────────────────────────────────────────────────
	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.Timeouts.Connect)
	index, err := buildVectorStore(connectCtx, cfg.VectorStore, cfg.Timeouts.Retrieval)
	cancelConnect()
	if err != nil {
		slog.Error("failed to connect vector store", "err", err, "store", cfg.VectorStore.Name)
		return 1
	}
	defer index.Close()
	slog.Info("vector store connected", "store", cfg.VectorStore.Name, "dimensions", index.Dimensions())

	// ── Pipeline ──────────────────────────────────────────────────────────────
	pipeOpts := []pipeline.Option{
		pipeline.WithFetchK(cfg.Retrieval.FetchK),
		pipeline.WithTopK(cfg.Retrieval.TopK),
		pipeline.WithMaxContextChars(cfg.Retrieval.MaxContextChars),
		pipeline.WithTemperature(cfg.Generation.Temperature),
		pipeline.WithMaxTokens(cfg.Generation.MaxTokens),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	}
	if reranker != nil {
		pipeOpts = append(pipeOpts, pipeline.WithReranker(reranker))
	}
	pipe, err := pipeline.New(embedder, index, generator, pipeOpts...)
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(metrics),
		server.WithHealth(health.New(vectorStoreChecker(index))),
	}
	if cfg.Facts.Path != "" {
		serverOpts = append(serverOpts, server.WithFacts(facts.NewStore(cfg.Facts.Path)))
	}

	srv, err := server.New(server.Config{
		ListenAddr:        cfg.Server.ListenAddr,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		GenerationTimeout: cfg.Timeouts.Generation,
	}, pipe, serverOpts...)
	if err != nil {
		slog.Error("failed to build server", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// vectorStoreChecker probes the index with a minimal query so /readyz
// reflects actual store reachability, not just process liveness.
func vectorStoreChecker(index vectorstore.Index) health.Checker {
	return health.Checker{
		Name: "vectorstore",
		Check: func(ctx context.Context) error {
			probe := make([]float32, index.Dimensions())
			probe[0] = 1
			_, err := index.Query(ctx, probe, 1)
			return err
		},
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
