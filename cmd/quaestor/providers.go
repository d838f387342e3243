package main

import (
	"context"
	"fmt"
	"os"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/quaestor-ai/quaestor/internal/config"
	"github.com/quaestor-ai/quaestor/internal/resilience"
	"github.com/quaestor-ai/quaestor/pkg/provider/embeddings"
	oaembed "github.com/quaestor-ai/quaestor/pkg/provider/embeddings/openai"
	wembed "github.com/quaestor-ai/quaestor/pkg/provider/embeddings/workersai"
	"github.com/quaestor-ai/quaestor/pkg/provider/generation"
	"github.com/quaestor-ai/quaestor/pkg/provider/generation/anyllm"
	oagen "github.com/quaestor-ai/quaestor/pkg/provider/generation/openai"
	wgen "github.com/quaestor-ai/quaestor/pkg/provider/generation/workersai"
	"github.com/quaestor-ai/quaestor/pkg/provider/rerank"
	wrerank "github.com/quaestor-ai/quaestor/pkg/provider/rerank/workersai"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore/postgres"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore/qdrant"
)

// buildEmbedder constructs the embeddings provider named in entry. The
// timeout is the retrieval-path deadline; embedding sits on it.
func buildEmbedder(entry config.ProviderEntry, timeout time.Duration) (embeddings.Provider, error) {
	switch entry.Name {
	case "workersai":
		opts := []wembed.Option{wembed.WithTimeout(timeout)}
		if entry.BaseURL != "" {
			opts = append(opts, wembed.WithBaseURL(entry.BaseURL))
		}
		return wembed.New(
			firstNonEmpty(entry.AccountID, os.Getenv("CLOUDFLARE_ACCOUNT_ID")),
			firstNonEmpty(entry.APIKey, os.Getenv("CLOUDFLARE_API_TOKEN")),
			entry.Model,
			opts...,
		)
	case "openai":
		opts := []oaembed.Option{oaembed.WithTimeout(timeout)}
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(
			firstNonEmpty(entry.APIKey, os.Getenv("OPENAI_API_KEY")),
			entry.Model,
			opts...,
		)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", entry.Name)
	}
}

// buildReranker constructs the rerank provider, or nil when none is
// configured. Reranking is an optional refinement stage.
func buildReranker(entry config.ProviderEntry, timeout time.Duration) (rerank.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "workersai":
		opts := []wrerank.Option{wrerank.WithTimeout(timeout)}
		if entry.BaseURL != "" {
			opts = append(opts, wrerank.WithBaseURL(entry.BaseURL))
		}
		return wrerank.New(
			firstNonEmpty(entry.AccountID, os.Getenv("CLOUDFLARE_ACCOUNT_ID")),
			firstNonEmpty(entry.APIKey, os.Getenv("CLOUDFLARE_API_TOKEN")),
			entry.Model,
			opts...,
		)
	default:
		return nil, fmt.Errorf("unknown rerank provider %q", entry.Name)
	}
}

// buildGenerator constructs the primary generation provider, wrapped in
// circuit-breaker failover when a fallback is configured.
func buildGenerator(cfg config.ProvidersConfig, timeouts config.TimeoutsConfig) (generation.Provider, error) {
	primary, err := buildGenerationProvider(cfg.Generation, timeouts)
	if err != nil {
		return nil, err
	}
	if cfg.GenerationFallback.Name == "" {
		return primary, nil
	}

	secondary, err := buildGenerationProvider(cfg.GenerationFallback, timeouts)
	if err != nil {
		return nil, fmt.Errorf("generation fallback: %w", err)
	}
	group := resilience.NewGenerationFallback(primary, cfg.Generation.Name, resilience.FallbackConfig{})
	group.AddFallback(cfg.GenerationFallback.Name, secondary)
	return group, nil
}

func buildGenerationProvider(entry config.ProviderEntry, timeouts config.TimeoutsConfig) (generation.Provider, error) {
	switch entry.Name {
	case "workersai":
		opts := []wgen.Option{wgen.WithConnectTimeout(timeouts.Connect)}
		if entry.BaseURL != "" {
			opts = append(opts, wgen.WithBaseURL(entry.BaseURL))
		}
		return wgen.New(
			firstNonEmpty(entry.AccountID, os.Getenv("CLOUDFLARE_ACCOUNT_ID")),
			firstNonEmpty(entry.APIKey, os.Getenv("CLOUDFLARE_API_TOKEN")),
			entry.Model,
			opts...,
		)
	case "openai":
		opts := []oagen.Option{oagen.WithTimeout(timeouts.Generation)}
		if entry.BaseURL != "" {
			opts = append(opts, oagen.WithBaseURL(entry.BaseURL))
		}
		return oagen.New(
			firstNonEmpty(entry.APIKey, os.Getenv("OPENAI_API_KEY")),
			entry.Model,
			opts...,
		)
	case "anyllm":
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(entry.Backend, entry.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", entry.Name)
	}
}

// buildVectorStore connects the configured vector index.
func buildVectorStore(ctx context.Context, cfg config.VectorStoreConfig, timeout time.Duration) (vectorstore.Index, error) {
	switch cfg.Name {
	case "qdrant":
		return qdrant.New(ctx, qdrant.Config{
			URL:        cfg.URL,
			APIKey:     firstNonEmpty(cfg.APIKey, os.Getenv("QDRANT_API_KEY")),
			Collection: cfg.Collection,
			Dimensions: cfg.Dimensions,
			Timeout:    timeout,
		})
	case "postgres":
		return postgres.New(ctx, firstNonEmpty(cfg.DSN, os.Getenv("DATABASE_URL")), cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.Name)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
