// Package generation defines the Provider interface for hosted language-model
// backends that turn a grounded prompt into an answer.
//
// A provider supports two delivery modes: Generate returns the complete answer
// in one call, and GenerateStream yields the answer incrementally as Chunk
// values on a channel. Provider-specific response shapes are normalized at
// this boundary — callers only ever see plain text.
//
// Implementations must be safe for concurrent use. Channels returned by
// GenerateStream must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package generation

import "context"

// FinishError is the FinishReason value carried by a terminal Chunk when the
// stream failed after it was successfully opened. The Chunk's Text holds the
// error message. Callers must treat everything received before such a chunk
// as a possibly incomplete prefix, never as the full answer.
const FinishError = "error"

// Request carries everything the model needs to produce an answer.
type Request struct {
	// System is the high-priority instruction block (grounding constraints,
	// refusal behaviour). Sent through the provider's dedicated system slot.
	System string

	// Prompt is the user-role content: the delimited context block followed
	// by the question and answer cue.
	Prompt string

	// Temperature controls output randomness in [0.0, 2.0]. Grounded QA runs
	// at or near 0 for reproducibility.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming generation. Fragments
// carry no boundary guarantees — a chunk may split mid-word — and must be
// concatenated in arrival order to reconstruct the answer.
type Chunk struct {
	// Text is the incremental text content. For a FinishError chunk it holds
	// the upstream error message instead.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// FinishError. Empty on non-final chunks.
	FinishReason string
}

// Provider is the abstraction over any hosted generation backend.
//
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible, without issuing further upstream requests.
type Provider interface {
	// Generate sends req to the model and waits for the complete answer text.
	// An error is returned for upstream failure (timeout, non-2xx, malformed
	// body); a structurally valid but textually empty response is returned as
	// an empty string and mapped to the refusal phrase by the caller.
	Generate(ctx context.Context, req Request) (string, error)

	// GenerateStream sends req to the model and returns a read-only channel
	// emitting Chunk values as they arrive. The channel is closed when
	// generation finishes or ctx is cancelled; callers must drain it.
	//
	// Errors that prevent the stream from opening are returned directly.
	// Errors after the stream is open surface as a final Chunk with
	// FinishReason == FinishError. Events without extractable text are
	// skipped, not errors.
	GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error)

	// ModelID returns the provider-specific model identifier, for logging.
	ModelID() string
}
