// Package embeddings defines the Provider interface for text-embedding backends.
//
// An embeddings provider maps text to dense float32 vectors used for semantic
// retrieval over the indexed corpus. The model identity and its output
// dimensionality must match between index-build time and query time: querying
// a collection with vectors from a different model is a correctness bug, not a
// tuning issue, and the vector store rejects mismatched dimensions outright.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the dimensionality
// reported by Dimensions. Callers must not mix vectors from different Provider
// instances in one similarity computation.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails or
	// ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The returned slice has the same length as texts and the
	// i-th element corresponds to texts[i]. On error no partial results are
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier
	// (e.g. "text-embedding-3-small", "@cf/baai/bge-base-en-v1.5").
	ModelID() string
}
