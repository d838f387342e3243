package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quaestor-ai/quaestor/pkg/provider/embeddings"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
)

// Defaults for the indexing knobs, matching the corpus the service answers
// over.
const (
	DefaultChunkSize   = 1200
	DefaultOverlap     = 200
	DefaultBatchSize   = 64
	DefaultConcurrency = 4
	DefaultMaxAttempts = 5
)

// Page is one page of extracted document text.
type Page struct {
	// Number is the 1-based page number.
	Number int

	// Text is the extracted page text.
	Text string
}

// Document is one source document to index.
type Document struct {
	// Source identifies the document (typically its file name).
	Source string

	// Pages is the extracted text, in page order.
	Pages []Page
}

// Indexer chunks, embeds, and upserts documents. Safe for one run at a time;
// construct a fresh Indexer per job.
type Indexer struct {
	embedder embeddings.Provider
	store    vectorstore.Upserter

	chunkSize   int
	overlap     int
	batchSize   int
	concurrency int
	maxAttempts int
	retryDelay  time.Duration

	log *slog.Logger
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithChunkSize sets the chunk character budget.
func WithChunkSize(n int) Option { return func(ix *Indexer) { ix.chunkSize = n } }

// WithOverlap sets the inter-chunk overlap in characters.
func WithOverlap(n int) Option { return func(ix *Indexer) { ix.overlap = n } }

// WithBatchSize sets how many points are embedded and upserted per batch.
func WithBatchSize(n int) Option { return func(ix *Indexer) { ix.batchSize = n } }

// WithConcurrency sets how many batches are processed in parallel.
func WithConcurrency(n int) Option { return func(ix *Indexer) { ix.concurrency = n } }

// WithMaxAttempts caps the retry count per batch.
func WithMaxAttempts(n int) Option { return func(ix *Indexer) { ix.maxAttempts = n } }

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(ix *Indexer) { ix.log = l } }

// New constructs an Indexer writing through embedder into store.
func New(embedder embeddings.Provider, store vectorstore.Upserter, opts ...Option) (*Indexer, error) {
	if embedder == nil {
		return nil, fmt.Errorf("indexer: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("indexer: store must not be nil")
	}

	ix := &Indexer{
		embedder:    embedder,
		store:       store,
		chunkSize:   DefaultChunkSize,
		overlap:     DefaultOverlap,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  time.Second,
	}
	for _, o := range opts {
		o(ix)
	}
	if ix.log == nil {
		ix.log = slog.Default()
	}

	if ix.chunkSize <= 0 || ix.overlap < 0 || ix.overlap >= ix.chunkSize {
		return nil, fmt.Errorf("indexer: invalid chunking: size %d, overlap %d", ix.chunkSize, ix.overlap)
	}
	if ix.batchSize <= 0 || ix.concurrency <= 0 || ix.maxAttempts <= 0 {
		return nil, fmt.Errorf("indexer: batch size, concurrency, and max attempts must be positive")
	}
	return ix, nil
}

// pendingPoint is a chunk awaiting embedding.
type pendingPoint struct {
	id       string
	text     string
	metadata vectorstore.Metadata
}

// PointID derives the deterministic point identifier for a chunk, so
// re-indexing the same document replaces points instead of duplicating them.
func PointID(source string, page, chunk int) string {
	name := fmt.Sprintf("%s|%d|%d", source, page, chunk)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// IndexDocument chunks every page of doc, embeds the chunks in batches, and
// upserts them. Batches run concurrently; the first hard failure cancels the
// remaining work. Returns the number of points written.
func (ix *Indexer) IndexDocument(ctx context.Context, doc Document) (int, error) {
	var pending []pendingPoint
	for _, page := range doc.Pages {
		chunks, err := ChunkParagraphAware(page.Text, ix.chunkSize, ix.overlap)
		if err != nil {
			return 0, fmt.Errorf("indexer: %s page %d: %w", doc.Source, page.Number, err)
		}
		for i, chunk := range chunks {
			pending = append(pending, pendingPoint{
				id:   PointID(doc.Source, page.Number, i),
				text: chunk,
				metadata: vectorstore.Metadata{
					Source:  doc.Source,
					Page:    page.Number,
					Section: DetectSection(chunk),
					Chunk:   i,
				},
			})
		}
	}
	if len(pending) == 0 {
		ix.log.Info("nothing to index", "source", doc.Source)
		return 0, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)

	for start := 0; start < len(pending); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		g.Go(func() error {
			return ix.processBatch(ctx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	ix.log.Info("document indexed",
		"source", doc.Source,
		"pages", len(doc.Pages),
		"points", len(pending),
	)
	return len(pending), nil
}

// processBatch embeds and upserts one batch with bounded exponential
// backoff. Transient upstream trouble is retried up to maxAttempts; after
// that the batch fails hard.
func (ix *Indexer) processBatch(ctx context.Context, batch []pendingPoint) error {
	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.text
	}

	return ix.withRetry(ctx, func() error {
		vectors, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch of %d: %w", len(texts), err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embed batch: got %d vectors for %d chunks", len(vectors), len(batch))
		}

		points := make([]vectorstore.Point, len(batch))
		for i, p := range batch {
			points[i] = vectorstore.Point{
				ID:       p.id,
				Vector:   vectors[i],
				Text:     p.text,
				Metadata: p.metadata,
			}
		}
		if err := ix.store.Upsert(ctx, points); err != nil {
			return fmt.Errorf("upsert batch of %d: %w", len(points), err)
		}
		return nil
	})
}

// withRetry runs fn with capped exponential backoff: 1s, 2s, 4s, ... up to
// 30s between attempts, at most maxAttempts attempts total.
func (ix *Indexer) withRetry(ctx context.Context, fn func() error) error {
	const maxDelay = 30 * time.Second

	var lastErr error
	delay := ix.retryDelay
	for attempt := 1; attempt <= ix.maxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == ix.maxAttempts {
			break
		}

		ix.log.Warn("batch failed, retrying",
			"attempt", attempt,
			"max_attempts", ix.maxAttempts,
			"delay", delay,
			"error", lastErr,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("indexer: giving up after %d attempts: %w", ix.maxAttempts, lastErr)
}
