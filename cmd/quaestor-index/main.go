// Command quaestor-index loads plain-text documents into the vector store
// used by the quaestor answering server.
//
// Input files are plain text, one document per file; form feeds (\f, the
// pdftotext page separator) split a document into pages so citations keep
// their page numbers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/quaestor-ai/quaestor/internal/config"
	"github.com/quaestor-ai/quaestor/internal/indexer"
	"github.com/quaestor-ai/quaestor/pkg/provider/embeddings"
	oaembed "github.com/quaestor-ai/quaestor/pkg/provider/embeddings/openai"
	wembed "github.com/quaestor-ai/quaestor/pkg/provider/embeddings/workersai"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore/postgres"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore/qdrant"
)

// writableStore is the store surface the indexer needs.
type writableStore interface {
	vectorstore.Upserter
	Close()
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	input := flag.String("input", "", "text file or directory of .txt files to index")
	chunkSize := flag.Int("chunk-size", indexer.DefaultChunkSize, "target chunk size in characters")
	overlap := flag.Int("overlap", indexer.DefaultOverlap, "overlap carried between adjacent chunks")
	batchSize := flag.Int("batch-size", indexer.DefaultBatchSize, "chunks embedded and upserted per batch")
	flag.Parse()

	_ = godotenv.Load()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "quaestor-index: -input is required")
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quaestor-index: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder, err := buildEmbedder(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.Timeouts.Connect)
	store, err := buildStore(connectCtx, cfg.VectorStore)
	cancelConnect()
	if err != nil {
		slog.Error("failed to connect vector store", "err", err, "store", cfg.VectorStore.Name)
		return 1
	}
	defer store.Close()

	ix, err := indexer.New(embedder, store,
		indexer.WithChunkSize(*chunkSize),
		indexer.WithOverlap(*overlap),
		indexer.WithBatchSize(*batchSize),
		indexer.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to build indexer", "err", err)
		return 1
	}

	files, err := collectInputs(*input)
	if err != nil {
		slog.Error("failed to collect inputs", "err", err)
		return 1
	}
	if len(files) == 0 {
		slog.Warn("no .txt files found", "input", *input)
		return 0
	}

	total := 0
	for _, path := range files {
		doc, err := loadDocument(path)
		if err != nil {
			slog.Error("failed to read document", "path", path, "err", err)
			return 1
		}
		n, err := ix.IndexDocument(ctx, doc)
		if err != nil {
			slog.Error("indexing failed", "source", doc.Source, "err", err)
			return 1
		}
		slog.Info("document indexed", "source", doc.Source, "pages", len(doc.Pages), "points", n)
		total += n
	}
	slog.Info("indexing complete", "documents", len(files), "points", total)
	return 0
}

// collectInputs resolves the input flag to a list of text files.
func collectInputs(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		files = append(files, filepath.Join(input, e.Name()))
	}
	return files, nil
}

// loadDocument reads a text file and splits it into pages on form feeds.
// A file without form feeds becomes a single page 1.
func loadDocument(path string) (indexer.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return indexer.Document{}, err
	}

	doc := indexer.Document{Source: filepath.Base(path)}
	for i, text := range strings.Split(string(data), "\f") {
		doc.Pages = append(doc.Pages, indexer.Page{Number: i + 1, Text: text})
	}
	return doc, nil
}

// buildEmbedder mirrors the server's provider wiring for the two embedding
// backends the indexing job supports.
func buildEmbedder(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "workersai":
		var opts []wembed.Option
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
		var opts []oaembed.Option
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

func buildStore(ctx context.Context, cfg config.VectorStoreConfig) (writableStore, error) {
	switch cfg.Name {
	case "qdrant":
		return qdrant.New(ctx, qdrant.Config{
			URL:        cfg.URL,
			APIKey:     firstNonEmpty(cfg.APIKey, os.Getenv("QDRANT_API_KEY")),
			Collection: cfg.Collection,
			Dimensions: cfg.Dimensions,
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
