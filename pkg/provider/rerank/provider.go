// Package rerank defines the Provider interface for cross-encoder reranking
// backends.
//
// Reranking is a second, more precise relevance pass over an already-retrieved
// candidate set. It is an optimization, never a correctness requirement: the
// answering pipeline must stay fully functional when no reranker is configured
// or the configured one is down, by falling back to the retrieval order.
package rerank

import "context"

// Provider is the abstraction over any reranking backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Rerank scores docs against query and returns the indices of the topK
	// most relevant documents, best first. Indices refer to positions in the
	// docs slice.
	//
	// Implementations must return an error — not a truncated or padded
	// result — when the backend produces a score count that does not match
	// len(docs); the caller decides the fallback.
	Rerank(ctx context.Context, query string, docs []string, topK int) ([]int, error)
}
