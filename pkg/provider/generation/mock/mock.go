// Package mock provides a scriptable test double for the generation.Provider
// interface.
//
// The zero value streams nothing and answers with an empty string. Set
// StreamChunks to script incremental output, StreamStartErr to simulate a
// provider that rejects streaming outright, and FailAfter to cut the stream
// off mid-answer with a terminal error chunk.
package mock

import (
	"context"
	"sync"

	"github.com/quaestor-ai/quaestor/pkg/provider/generation"
)

// Provider is a mock implementation of generation.Provider.
type Provider struct {
	mu sync.Mutex

	// GenerateResult is returned by Generate.
	GenerateResult string

	// GenerateErr, if non-nil, is returned as the error from Generate.
	GenerateErr error

	// GenerateFunc, when set, overrides GenerateResult/GenerateErr entirely.
	GenerateFunc func(ctx context.Context, req generation.Request) (string, error)

	// StreamChunks is the scripted text fragments emitted by GenerateStream,
	// in order, followed by a "stop" chunk.
	StreamChunks []string

	// StreamStartErr, if non-nil, is returned directly from GenerateStream
	// (the stream never opens).
	StreamStartErr error

	// FailAfter, when > 0, stops the stream after that many chunks and emits
	// a terminal error chunk instead of the remainder. FailAfter == -1 fails
	// before the first chunk (stream opens, then dies immediately).
	FailAfter int

	// FailMessage is the Text of the terminal error chunk. Defaults to
	// "stream interrupted".
	FailMessage string

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// GenerateCalls records every Generate request in order.
	GenerateCalls []generation.Request

	// StreamCalls records every GenerateStream request in order.
	StreamCalls []generation.Request
}

// Generate records the call and returns the scripted result.
func (p *Provider) Generate(ctx context.Context, req generation.Request) (string, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, req)
	fn := p.GenerateFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if p.GenerateErr != nil {
		return "", p.GenerateErr
	}
	return p.GenerateResult, nil
}

// GenerateStream records the call and replays the scripted chunk sequence.
func (p *Provider) GenerateStream(ctx context.Context, req generation.Request) (<-chan generation.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	p.mu.Unlock()

	if p.StreamStartErr != nil {
		return nil, p.StreamStartErr
	}

	failMsg := p.FailMessage
	if failMsg == "" {
		failMsg = "stream interrupted"
	}

	ch := make(chan generation.Chunk, len(p.StreamChunks)+1)
	go func() {
		defer close(ch)

		if p.FailAfter == -1 {
			ch <- generation.Chunk{FinishReason: generation.FinishError, Text: failMsg}
			return
		}

		for i, text := range p.StreamChunks {
			if p.FailAfter > 0 && i == p.FailAfter {
				ch <- generation.Chunk{FinishReason: generation.FinishError, Text: failMsg}
				return
			}
			select {
			case ch <- generation.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		ch <- generation.Chunk{FinishReason: "stop"}
	}()
	return ch, nil
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	return p.ModelIDValue
}

// Ensure Provider implements generation.Provider at compile time.
var _ generation.Provider = (*Provider)(nil)
