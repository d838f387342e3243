package pipeline

import "errors"

// Sentinel errors for the two hard-failure classes of the answering pipeline.
// Everything else — reranker trouble, stream fallback, empty grounding — is a
// degraded-but-answerable path and never surfaces as an error.
var (
	// ErrRetrievalUnavailable indicates the embedding or vector store call
	// failed. It is distinct from an empty retrieval result, which is a valid
	// "no relevant content" outcome.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrGenerationUnavailable indicates the language model call failed
	// (timeout, non-2xx, malformed body) with no usable output.
	ErrGenerationUnavailable = errors.New("generation unavailable")
)
