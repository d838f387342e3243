// Package pipeline implements the retrieval-augmented answering core:
// embed → retrieve → (rerank) → assemble → prompt → generate.
//
// Two entry points share the retrieval and context steps and diverge at
// generation: [Pipeline.Ask] produces one complete answer, and
// [Pipeline.ChatStream] produces incremental fragments with a deterministic
// fallback to one-shot generation when streaming fails before any output.
//
// All provider handles are constructed once and reused; the pipeline holds no
// cross-request mutable state and is safe for concurrent use.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quaestor-ai/quaestor/internal/observe"
	"github.com/quaestor-ai/quaestor/pkg/provider/embeddings"
	"github.com/quaestor-ai/quaestor/pkg/provider/generation"
	"github.com/quaestor-ai/quaestor/pkg/provider/rerank"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
)

// Defaults mirror the retrieval knobs the service ships with: over-fetch a
// candidate superset, keep a small reranked subset, bound the context.
const (
	DefaultFetchK          = 12
	DefaultTopK            = 4
	DefaultMaxContextChars = 6000
	DefaultTemperature     = 0.2
	DefaultMaxTokens       = 512

	// defaultFallbackSliceSize is the fragment size, in runes, used when a
	// one-shot answer is replayed as a stream. Slice boundaries carry no
	// semantic meaning; they exist so transports see a stream either way.
	defaultFallbackSliceSize = 200
)

// Fragment is one incremental piece of a streamed answer. Exactly one of
// Text or Err is set; a Fragment with Err != nil is always terminal and
// means the answer may be incomplete.
type Fragment struct {
	Text string
	Err  error
}

// Pipeline composes the providers into the two public entry points.
type Pipeline struct {
	embedder  embeddings.Provider
	index     vectorstore.Index
	reranker  rerank.Provider // nil when reranking is not configured
	generator generation.Provider

	fetchK            int
	topK              int
	maxContextChars   int
	temperature       float64
	maxTokens         int
	fallbackSliceSize int

	log     *slog.Logger
	metrics *observe.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithReranker enables the cross-encoder reranking pass. Reranking is an
// optimization: the pipeline stays fully answerable when the provider fails.
func WithReranker(r rerank.Provider) Option {
	return func(p *Pipeline) { p.reranker = r }
}

// WithFetchK sets the retrieval fan-out (candidate superset size).
func WithFetchK(k int) Option {
	return func(p *Pipeline) { p.fetchK = k }
}

// WithTopK sets the number of passages kept after reranking.
func WithTopK(k int) Option {
	return func(p *Pipeline) { p.topK = k }
}

// WithMaxContextChars sets the assembled context character budget.
func WithMaxContextChars(n int) Option {
	return func(p *Pipeline) { p.maxContextChars = n }
}

// WithTemperature sets the generation sampling temperature.
func WithTemperature(t float64) Option {
	return func(p *Pipeline) { p.temperature = t }
}

// WithMaxTokens sets the generation output length cap.
func WithMaxTokens(n int) Option {
	return func(p *Pipeline) { p.maxTokens = n }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics sets the metrics instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New constructs a Pipeline from the required providers plus options.
func New(embedder embeddings.Provider, index vectorstore.Index, generator generation.Provider, opts ...Option) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("pipeline: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("pipeline: index must not be nil")
	}
	if generator == nil {
		return nil, fmt.Errorf("pipeline: generator must not be nil")
	}

	p := &Pipeline{
		embedder:          embedder,
		index:             index,
		generator:         generator,
		fetchK:            DefaultFetchK,
		topK:              DefaultTopK,
		maxContextChars:   DefaultMaxContextChars,
		temperature:       DefaultTemperature,
		maxTokens:         DefaultMaxTokens,
		fallbackSliceSize: defaultFallbackSliceSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	if p.fetchK <= 0 || p.topK <= 0 {
		return nil, fmt.Errorf("pipeline: fetch_k and top_k must be positive, got %d and %d", p.fetchK, p.topK)
	}
	if p.topK > p.fetchK {
		return nil, fmt.Errorf("pipeline: top_k (%d) must not exceed fetch_k (%d)", p.topK, p.fetchK)
	}
	if p.maxContextChars <= 0 {
		return nil, fmt.Errorf("pipeline: max_context_chars must be positive, got %d", p.maxContextChars)
	}
	if p.temperature < 0 || p.temperature > 2 {
		return nil, fmt.Errorf("pipeline: temperature must be in [0,2], got %g", p.temperature)
	}
	if p.maxTokens <= 0 {
		return nil, fmt.Errorf("pipeline: max_tokens must be positive, got %d", p.maxTokens)
	}
	return p, nil
}

// normalize scales vec to unit length so cosine stores rank correctly even
// when the embedding backend returns raw vectors. Already-unit vectors pass
// through unchanged; a zero vector is returned as-is (nothing to scale).
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	if math.Abs(norm-1) < 1e-6 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// retrieve embeds the question and queries the vector store for the fetchK
// nearest passages, dropping any whose text payload is blank. An empty result
// is valid ("no relevant content"); provider failures return
// ErrRetrievalUnavailable so callers can tell the two apart.
func (p *Pipeline) retrieve(ctx context.Context, question string) ([]vectorstore.Passage, error) {
	start := time.Now()
	vec, err := p.embedder.Embed(ctx, question)
	p.metrics.EmbedDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, p.embedder.ModelID(), "embeddings")
		return nil, fmt.Errorf("%w: embed query: %v", ErrRetrievalUnavailable, err)
	}

	start = time.Now()
	passages, err := p.index.Query(ctx, normalize(vec), p.fetchK)
	p.metrics.SearchDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, "index", "vectorstore")
		return nil, fmt.Errorf("%w: vector search: %v", ErrRetrievalUnavailable, err)
	}

	kept := make([]vectorstore.Passage, 0, len(passages))
	for _, passage := range passages {
		if strings.TrimSpace(passage.Text) != "" {
			kept = append(kept, passage)
		}
	}
	return kept, nil
}

// selectPassages narrows the retrieved candidate set to topK, preferring the
// reranker's ordering when one is configured and healthy. Any reranker
// failure — provider error, out-of-range index, score mismatch — degrades
// silently to the first topK in retrieval order.
func (p *Pipeline) selectPassages(ctx context.Context, question string, passages []vectorstore.Passage) []vectorstore.Passage {
	if len(passages) > p.topK && p.reranker != nil {
		docs := make([]string, len(passages))
		for i, passage := range passages {
			docs[i] = passage.Text
		}

		start := time.Now()
		order, err := p.reranker.Rerank(ctx, question, docs, p.topK)
		p.metrics.RerankDuration.Record(ctx, time.Since(start).Seconds())

		if err == nil {
			reranked := make([]vectorstore.Passage, 0, len(order))
			for _, idx := range order {
				if idx < 0 || idx >= len(passages) {
					err = fmt.Errorf("rerank index %d out of range", idx)
					break
				}
				reranked = append(reranked, passages[idx])
			}
			if err == nil {
				return reranked
			}
		}
		p.log.Warn("reranking degraded, falling back to retrieval order", "error", err)
	}

	if len(passages) > p.topK {
		passages = passages[:p.topK]
	}
	return passages
}

// prepare runs the shared retrieve → select → assemble steps and returns the
// assembled context. An empty context with nil error means no grounding was
// found.
func (p *Pipeline) prepare(ctx context.Context, question string) (string, error) {
	passages, err := p.retrieve(ctx, question)
	if err != nil {
		return "", err
	}
	selected := p.selectPassages(ctx, question, passages)
	return AssembleContext(selected, p.maxContextChars), nil
}

// Ask answers question in one shot.
//
// Retrieval failure propagates to the caller; an empty context short-circuits
// to [RefusalPhrase] without spending a model call. A structurally valid but
// textually empty model response also resolves to the refusal phrase — an
// empty answer is never a terminal result.
func (p *Pipeline) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("pipeline: question must not be empty")
	}

	contextBlock, err := p.prepare(ctx, question)
	if err != nil {
		p.metrics.RecordAnswer(ctx, "ask", "error")
		return "", err
	}
	if contextBlock == "" {
		p.metrics.RecordAnswer(ctx, "ask", "refused")
		return RefusalPhrase, nil
	}

	answer, err := p.generate(ctx, contextBlock, question)
	if err != nil {
		p.metrics.RecordAnswer(ctx, "ask", "error")
		return "", err
	}
	p.metrics.RecordAnswer(ctx, "ask", "answered")
	return answer, nil
}

// generate runs one-shot generation against the assembled context and maps
// empty output to the refusal phrase.
func (p *Pipeline) generate(ctx context.Context, contextBlock, question string) (string, error) {
	req := generation.Request{
		System:      SystemInstructions,
		Prompt:      BuildPrompt(contextBlock, question),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}

	start := time.Now()
	answer, err := p.generator.Generate(ctx, req)
	p.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, p.generator.ModelID(), "generation")
		return "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}
	if strings.TrimSpace(answer) == "" {
		return RefusalPhrase, nil
	}
	return answer, nil
}

// ChatStream answers question as a sequence of fragments.
//
// All failure modes are delivered in-band: the returned channel always
// terminates, either normally (after the last text fragment) or with a single
// terminal Fragment carrying Err. The stream contract:
//
//   - retrieval failure: one Fragment{Err} and done
//   - empty context: one Fragment with [RefusalPhrase] and done
//   - streaming fails before any fragment was emitted: transparent fallback
//     to one-shot generation, replayed as fixed-size slices
//   - streaming fails after fragments were emitted: terminal Fragment{Err} —
//     delivered output cannot be retracted, so the caller must treat the
//     answer as possibly incomplete
//
// The caller drives consumption and cancels by cancelling ctx; the pipeline
// never buffers more than one upstream event.
func (p *Pipeline) ChatStream(ctx context.Context, question string) <-chan Fragment {
	out := make(chan Fragment)
	go func() {
		defer close(out)

		p.metrics.ActiveStreams.Add(ctx, 1)
		defer p.metrics.ActiveStreams.Add(ctx, -1)

		question := strings.TrimSpace(question)
		if question == "" {
			p.emit(ctx, out, Fragment{Err: fmt.Errorf("pipeline: question must not be empty")})
			return
		}

		contextBlock, err := p.prepare(ctx, question)
		if err != nil {
			p.metrics.RecordAnswer(ctx, "stream", "error")
			p.emit(ctx, out, Fragment{Err: err})
			return
		}
		if contextBlock == "" {
			p.metrics.RecordAnswer(ctx, "stream", "refused")
			p.emit(ctx, out, Fragment{Text: RefusalPhrase})
			return
		}

		p.streamAnswer(ctx, out, contextBlock, question)
	}()
	return out
}

// streamAnswer runs incremental generation and owns the fallback policy.
func (p *Pipeline) streamAnswer(ctx context.Context, out chan<- Fragment, contextBlock, question string) {
	req := generation.Request{
		System:      SystemInstructions,
		Prompt:      BuildPrompt(contextBlock, question),
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}

	start := time.Now()
	chunks, err := p.generator.GenerateStream(ctx, req)
	if err != nil {
		// The stream never opened; the caller has seen nothing, so fall back
		// transparently.
		p.log.Warn("stream unavailable, falling back to one-shot generation", "error", err)
		p.fallbackOneShot(ctx, out, contextBlock, question)
		return
	}

	emitted := 0
	for chunk := range chunks {
		if chunk.FinishReason == generation.FinishError {
			if emitted == 0 {
				p.log.Warn("stream failed before output, falling back to one-shot generation", "error", chunk.Text)
				p.fallbackOneShot(ctx, out, contextBlock, question)
				return
			}
			// Partial output is already delivered and cannot be retracted.
			p.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
			p.metrics.RecordProviderError(ctx, p.generator.ModelID(), "generation")
			p.metrics.RecordAnswer(ctx, "stream", "error")
			p.emit(ctx, out, Fragment{Err: fmt.Errorf("%w: mid-stream: %s", ErrGenerationUnavailable, chunk.Text)})
			return
		}
		if chunk.Text == "" {
			continue
		}
		if !p.emit(ctx, out, Fragment{Text: chunk.Text}) {
			return
		}
		emitted++
	}
	p.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())

	if emitted == 0 {
		// Structurally valid stream with no text: same rule as one-shot.
		p.metrics.RecordAnswer(ctx, "stream", "refused")
		p.emit(ctx, out, Fragment{Text: RefusalPhrase})
		return
	}
	p.metrics.RecordAnswer(ctx, "stream", "answered")
}

// fallbackOneShot generates the full answer in one shot and replays it as
// fixed-size fragments so the consumer still observes a stream.
func (p *Pipeline) fallbackOneShot(ctx context.Context, out chan<- Fragment, contextBlock, question string) {
	answer, err := p.generate(ctx, contextBlock, question)
	if err != nil {
		p.metrics.RecordAnswer(ctx, "stream", "error")
		p.emit(ctx, out, Fragment{Err: err})
		return
	}
	for _, slice := range sliceAnswer(answer, p.fallbackSliceSize) {
		if !p.emit(ctx, out, Fragment{Text: slice}) {
			return
		}
	}
	p.metrics.RecordAnswer(ctx, "stream", "fallback")
}

// sliceAnswer cuts answer into size-rune pieces. Cutting by runes rather than
// bytes keeps multi-byte characters (the corpus is full of "§") intact, so
// every slice is valid UTF-8 on its own. Boundaries carry no meaning;
// concatenating the slices reproduces the answer exactly.
func sliceAnswer(answer string, size int) []string {
	if size <= 0 || utf8.RuneCountInString(answer) <= size {
		return []string{answer}
	}
	slices := make([]string, 0, len(answer)/size+1)
	start, count := 0, 0
	for i := range answer {
		if count == size {
			slices = append(slices, answer[start:i])
			start = i
			count = 0
		}
		count++
	}
	return append(slices, answer[start:])
}

// emit sends f unless the consumer has gone away. Returns false when ctx is
// cancelled, signalling the producer to stop.
func (p *Pipeline) emit(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
