// Package postgres provides a PostgreSQL/pgvector implementation of
// vectorstore.Index and vectorstore.Upserter.
//
// The pgvector extension must be available in the target database; [New]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS and creates the
// passages table with an HNSW cosine index.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
)

// Compile-time interface checks.
var (
	_ vectorstore.Index    = (*Store)(nil)
	_ vectorstore.Upserter = (*Store)(nil)
)

// Store is a PostgreSQL-backed vector store. All operations are safe for
// concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

// ddlPassages returns the passages DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time, so changing the embedding model later requires a manual
// schema change.
func ddlPassages(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS passages (
    id          TEXT         PRIMARY KEY,
    text        TEXT         NOT NULL,
    embedding   vector(%d),
    source      TEXT         NOT NULL DEFAULT '',
    page        INTEGER      NOT NULL DEFAULT 0,
    section     TEXT         NOT NULL DEFAULT '',
    chunk       INTEGER      NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_passages_source
    ON passages (source);

CREATE INDEX IF NOT EXISTS idx_passages_embedding
    ON passages USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates or ensures the passages table and pgvector extension exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, ddlPassages(dimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the schema exists.
//
// dimensions must match the output dimension of the embedding model used to
// produce the stored vectors (e.g., 768 for bge-base-en-v1.5).
func New(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("postgres store: dimensions must be positive, got %d", dimensions)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, dimensions: dimensions}, nil
}

// Query implements vectorstore.Index. It finds the limit passages whose
// embeddings are closest (cosine distance) to vector.
//
// Scores are returned as cosine similarity (1 - distance), most similar
// first, so callers see the same score convention regardless of backend.
func (s *Store) Query(ctx context.Context, vector []float32, limit int) ([]vectorstore.Passage, error) {
	if err := vectorstore.CheckDimensions(vector, s.dimensions); err != nil {
		return nil, fmt.Errorf("postgres store: query: %w", err)
	}
	if limit <= 0 {
		limit = 5
	}

	const q = `
		SELECT text, source, page, section, chunk,
		       embedding <=> $1 AS distance
		FROM   passages
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query: %w", err)
	}

	passages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Passage, error) {
		var (
			p        vectorstore.Passage
			distance float64
		)
		if err := row.Scan(
			&p.Text,
			&p.Metadata.Source,
			&p.Metadata.Page,
			&p.Metadata.Section,
			&p.Metadata.Chunk,
			&distance,
		); err != nil {
			return vectorstore.Passage{}, err
		}
		p.Score = 1 - distance
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if passages == nil {
		passages = []vectorstore.Passage{}
	}
	return passages, nil
}

// Upsert implements vectorstore.Upserter. Points with an existing ID are
// completely replaced.
func (s *Store) Upsert(ctx context.Context, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}

	const q = `
		INSERT INTO passages
		    (id, text, embedding, source, page, section, chunk, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
		    text       = EXCLUDED.text,
		    embedding  = EXCLUDED.embedding,
		    source     = EXCLUDED.source,
		    page       = EXCLUDED.page,
		    section    = EXCLUDED.section,
		    chunk      = EXCLUDED.chunk,
		    updated_at = now()`

	batch := &pgx.Batch{}
	for _, p := range points {
		if err := vectorstore.CheckDimensions(p.Vector, s.dimensions); err != nil {
			return fmt.Errorf("postgres store: upsert point %q: %w", p.ID, err)
		}
		batch.Queue(q,
			p.ID,
			p.Text,
			pgvector.NewVector(p.Vector),
			p.Metadata.Source,
			p.Metadata.Page,
			p.Metadata.Section,
			p.Metadata.Chunk,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range points {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres store: upsert batch: %w", err)
		}
	}
	return nil
}

// Dimensions implements vectorstore.Index.
func (s *Store) Dimensions() int {
	return s.dimensions
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
