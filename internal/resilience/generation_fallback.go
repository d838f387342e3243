package resilience

import (
	"context"

	"github.com/quaestor-ai/quaestor/pkg/provider/generation"
)

// GenerationFallback implements [generation.Provider] with automatic
// failover across multiple model backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried.
type GenerationFallback struct {
	group *FallbackGroup[generation.Provider]
}

// Compile-time interface assertion.
var _ generation.Provider = (*GenerationFallback)(nil)

// NewGenerationFallback creates a [GenerationFallback] with primary as the
// preferred backend.
func NewGenerationFallback(primary generation.Provider, primaryName string, cfg FallbackConfig) *GenerationFallback {
	return &GenerationFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional generation provider as a fallback.
func (f *GenerationFallback) AddFallback(name string, provider generation.Provider) {
	f.group.AddFallback(name, provider)
}

// Generate sends the request to the first healthy provider and returns its
// answer. If the primary fails, subsequent fallbacks are tried.
func (f *GenerationFallback) Generate(ctx context.Context, req generation.Request) (string, error) {
	return ExecuteWithResult(f.group, func(p generation.Provider) (string, error) {
		return p.Generate(ctx, req)
	})
}

// GenerateStream sends the request to the first healthy provider and returns
// its chunk channel. Only the initial connection attempt is covered by
// failover; once a stream is established, mid-stream errors are the
// caller's responsibility (the pipeline's stream contract handles those).
func (f *GenerationFallback) GenerateStream(ctx context.Context, req generation.Request) (<-chan generation.Chunk, error) {
	return ExecuteWithResult(f.group, func(p generation.Provider) (<-chan generation.Chunk, error) {
		return p.GenerateStream(ctx, req)
	})
}

// ModelID reports the primary backend's model identity; failover does not
// change what the service advertises.
func (f *GenerationFallback) ModelID() string {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.ModelID()
	}
	return ""
}
