// Package vectorstore defines the interfaces and types for the vector index
// holding the pre-embedded document corpus.
//
// Two implementations ship with quaestor: a Qdrant REST client and a
// PostgreSQL/pgvector store. Both assume cosine similarity over vectors
// produced by the same embedding model (and normalization convention) the
// collection was built with. Querying with a vector of any other
// dimensionality is rejected outright — a silent dimensional mismatch would
// degrade ranking quality instead of failing, which is the worse failure mode.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned by Query and Upsert when a vector's length
// does not match the collection's configured dimensionality.
var ErrDimensionMismatch = errors.New("vector dimensionality does not match collection")

// Metadata carries the traceability fields attached to every stored passage,
// used to build citation markers.
type Metadata struct {
	// Source is the originating document identifier (typically a file name).
	Source string `json:"source"`

	// Page is the 1-based page number within the source document.
	Page int `json:"page"`

	// Section is the section label, when the source has one (e.g. "§ 10").
	Section string `json:"section"`

	// Chunk is the 0-based chunk index within the page.
	Chunk int `json:"chunk"`
}

// Passage is one retrieved unit of corpus text with its similarity score and
// traceability metadata. Passages are consumed once per request and never
// mutated after retrieval.
type Passage struct {
	Text     string
	Score    float64
	Metadata Metadata
}

// Point is one pre-embedded passage to be written into the store.
type Point struct {
	// ID is a stable identifier; re-upserting the same ID replaces the point.
	ID string

	// Vector is the embedding of Text, of the collection's dimensionality.
	Vector []float32

	// Text is the passage content served back at query time.
	Text string

	// Metadata is stored alongside the text for citation building.
	Metadata Metadata
}

// Index is the read side of the vector store, used by the answering pipeline.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// Query returns the limit nearest stored passages to vector, most
	// similar first. An empty result is a valid outcome (no relevant
	// content), not an error. Vectors of the wrong dimensionality fail with
	// ErrDimensionMismatch.
	Query(ctx context.Context, vector []float32, limit int) ([]Passage, error)

	// Dimensions returns the vector dimensionality the collection was
	// created with.
	Dimensions() int

	// Close releases underlying connections.
	Close()
}

// Upserter is the write side of the vector store, used by the indexing job.
type Upserter interface {
	// Upsert writes points into the collection, replacing any existing
	// points with the same IDs.
	Upsert(ctx context.Context, points []Point) error
}

// CheckDimensions validates vector length against the collection
// dimensionality shared by both implementations.
func CheckDimensions(vector []float32, want int) error {
	if len(vector) != want {
		return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, len(vector), want)
	}
	return nil
}
