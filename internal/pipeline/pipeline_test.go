package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/quaestor-ai/quaestor/internal/observe"
	"github.com/quaestor-ai/quaestor/pkg/provider/generation"
	genmock "github.com/quaestor-ai/quaestor/pkg/provider/generation/mock"
	rerankmock "github.com/quaestor-ai/quaestor/pkg/provider/rerank/mock"
	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
	storemock "github.com/quaestor-ai/quaestor/pkg/vectorstore/mock"

	embedmock "github.com/quaestor-ai/quaestor/pkg/provider/embeddings/mock"
)

// genRequest shortens the scripted GenerateFunc signatures below.
type genRequest = generation.Request

// testMetrics returns an isolated Metrics instance so tests do not pollute
// the global meter provider.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// fixture bundles the mocks behind a ready-to-use Pipeline.
type fixture struct {
	embedder  *embedmock.Provider
	index     *storemock.Index
	reranker  *rerankmock.Provider
	generator *genmock.Provider
}

func newFixture() *fixture {
	return &fixture{
		embedder: &embedmock.Provider{
			EmbedResult:     []float32{1, 0, 0},
			DimensionsValue: 3,
			ModelIDValue:    "mock-embed",
		},
		index:     &storemock.Index{DimensionsValue: 3},
		reranker:  &rerankmock.Provider{},
		generator: &genmock.Provider{ModelIDValue: "mock-gen"},
	}
}

func (f *fixture) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	p, err := New(f.embedder, f.index, f.generator, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// drain collects the full fragment sequence from a stream.
func drain(t *testing.T, ch <-chan Fragment) (texts []string, errs []error) {
	t.Helper()
	for f := range ch {
		if f.Err != nil {
			errs = append(errs, f.Err)
		} else {
			texts = append(texts, f.Text)
		}
	}
	return texts, errs
}

func somePassages() []vectorstore.Passage {
	return []vectorstore.Passage{
		{Text: "Deadline is 31 May.", Metadata: vectorstore.Metadata{Section: "149", Page: 102}},
		{Text: "Extensions may apply.", Metadata: vectorstore.Metadata{Section: "109", Page: 80}},
	}
}

func TestNew_ValidatesKnobs(t *testing.T) {
	f := newFixture()
	cases := []struct {
		name string
		opt  Option
	}{
		{"zero top_k", WithTopK(0)},
		{"top_k above fetch_k", WithTopK(20)},
		{"zero budget", WithMaxContextChars(0)},
		{"temperature too high", WithTemperature(3)},
		{"zero max_tokens", WithMaxTokens(0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(f.embedder, f.index, f.generator, WithMetrics(testMetrics(t)), tc.opt); err == nil {
				t.Error("New accepted invalid configuration")
			}
		})
	}
}

func TestAsk_EmptyQuestionRejected(t *testing.T) {
	f := newFixture()
	p := f.pipeline(t)
	if _, err := p.Ask(context.Background(), "   "); err == nil {
		t.Error("Ask accepted a blank question")
	}
}

func TestAsk_RefusesWithoutGrounding(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = nil // zero recall
	p := f.pipeline(t)

	got, err := p.Ask(context.Background(), "What is the filing deadline?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != RefusalPhrase {
		t.Errorf("Ask = %q, want exact refusal phrase", got)
	}
	if len(f.generator.GenerateCalls)+len(f.generator.StreamCalls) != 0 {
		t.Error("generation provider was invoked despite empty grounding")
	}
}

func TestChatStream_RefusesWithoutGrounding(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = nil
	p := f.pipeline(t)

	texts, errs := drain(t, p.ChatStream(context.Background(), "anything?"))
	if len(errs) != 0 {
		t.Fatalf("stream errors: %v", errs)
	}
	if len(texts) != 1 || texts[0] != RefusalPhrase {
		t.Errorf("stream = %q, want single refusal fragment", texts)
	}
	if len(f.generator.GenerateCalls)+len(f.generator.StreamCalls) != 0 {
		t.Error("generation provider was invoked despite empty grounding")
	}
}

func TestAsk_RetrievalFailurePropagates(t *testing.T) {
	f := newFixture()
	f.index.QueryErr = errors.New("connection refused")
	p := f.pipeline(t)

	_, err := p.Ask(context.Background(), "q?")
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Errorf("Ask error = %v, want ErrRetrievalUnavailable", err)
	}
}

func TestAsk_EmbedFailurePropagates(t *testing.T) {
	f := newFixture()
	f.embedder.EmbedErr = errors.New("model overloaded")
	p := f.pipeline(t)

	_, err := p.Ask(context.Background(), "q?")
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Errorf("Ask error = %v, want ErrRetrievalUnavailable", err)
	}
}

func TestChatStream_RetrievalFailureIsTerminalFragment(t *testing.T) {
	f := newFixture()
	f.index.QueryErr = errors.New("connection refused")
	p := f.pipeline(t)

	texts, errs := drain(t, p.ChatStream(context.Background(), "q?"))
	if len(texts) != 0 {
		t.Errorf("unexpected text fragments: %q", texts)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrRetrievalUnavailable) {
		t.Errorf("stream errors = %v, want single ErrRetrievalUnavailable", errs)
	}
}

func TestAsk_GenerationFailurePropagates(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	f.generator.GenerateErr = errors.New("504 gateway timeout")
	p := f.pipeline(t)

	_, err := p.Ask(context.Background(), "q?")
	if !errors.Is(err, ErrGenerationUnavailable) {
		t.Errorf("Ask error = %v, want ErrGenerationUnavailable", err)
	}
}

func TestAsk_EmptyModelOutputBecomesRefusal(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	f.generator.GenerateResult = "  \n"
	p := f.pipeline(t)

	got, err := p.Ask(context.Background(), "q?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != RefusalPhrase {
		t.Errorf("Ask = %q, want refusal phrase for empty model output", got)
	}
}

func TestAsk_ContextCarriesPassagesInOrder(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	// Echo the prompt so the test can inspect the assembled context.
	f.generator.GenerateFunc = func(ctx context.Context, req genRequest) (string, error) {
		return req.Prompt, nil
	}
	p := f.pipeline(t)

	got, err := p.Ask(context.Background(), "What is the filing deadline?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	first := strings.Index(got, "Deadline is 31 May.")
	second := strings.Index(got, "Extensions may apply.")
	if first < 0 || second < 0 {
		t.Fatalf("prompt missing passage texts:\n%s", got)
	}
	if first > second {
		t.Error("passages appear out of retrieval order")
	}
	if !strings.Contains(got, "[§ 149, p.102]") {
		t.Error("prompt missing citation marker")
	}

	// Determinism across repeated calls with the same stubs.
	again, err := p.Ask(context.Background(), "What is the filing deadline?")
	if err != nil {
		t.Fatalf("Ask (repeat): %v", err)
	}
	if got != again {
		t.Error("Ask is not deterministic with deterministic stubs")
	}
}

func TestRerank_OrdersFinalSubset(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = []vectorstore.Passage{
		{Text: "alpha"}, {Text: "beta"}, {Text: "gamma"}, {Text: "delta"}, {Text: "epsilon"},
	}
	f.reranker.RerankResult = []int{3, 1}
	f.generator.GenerateFunc = func(ctx context.Context, req genRequest) (string, error) {
		return req.Prompt, nil
	}
	p := f.pipeline(t, WithReranker(f.reranker), WithFetchK(5), WithTopK(2))

	got, err := p.Ask(context.Background(), "q?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(got, "delta") || !strings.Contains(got, "beta") {
		t.Fatalf("reranked subset missing:\n%s", got)
	}
	if strings.Contains(got, "alpha") || strings.Contains(got, "gamma") {
		t.Error("passages outside the reranked subset leaked into the context")
	}
	if strings.Index(got, "delta") > strings.Index(got, "beta") {
		t.Error("reranked order not preserved")
	}
	if len(f.reranker.RerankCalls) != 1 {
		t.Fatalf("reranker called %d times, want 1", len(f.reranker.RerankCalls))
	}
	if f.reranker.RerankCalls[0].TopK != 2 {
		t.Errorf("reranker topK = %d, want 2", f.reranker.RerankCalls[0].TopK)
	}
}

func TestRerank_FailureFallsBackToRetrievalOrder(t *testing.T) {
	for _, tc := range []struct {
		name string
		prep func(*rerankmock.Provider)
	}{
		{"provider error", func(r *rerankmock.Provider) { r.RerankErr = errors.New("503") }},
		{"out of range indices", func(r *rerankmock.Provider) { r.RerankResult = []int{0, 99} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.index.QueryResult = []vectorstore.Passage{
				{Text: "alpha"}, {Text: "beta"}, {Text: "gamma"},
			}
			tc.prep(f.reranker)
			f.generator.GenerateFunc = func(ctx context.Context, req genRequest) (string, error) {
				return req.Prompt, nil
			}
			p := f.pipeline(t, WithReranker(f.reranker), WithFetchK(3), WithTopK(2))

			got, err := p.Ask(context.Background(), "q?")
			if err != nil {
				t.Fatalf("Ask: %v", err)
			}
			// Same subset as "no reranker": first topK in original order.
			if !strings.Contains(got, "alpha") || !strings.Contains(got, "beta") {
				t.Errorf("fallback subset wrong:\n%s", got)
			}
			if strings.Contains(got, "gamma") {
				t.Error("fallback kept more than topK passages")
			}
		})
	}
}

func TestRerank_SkippedWhenCandidatesFitTopK(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages() // 2 passages
	f.generator.GenerateResult = "fine"
	p := f.pipeline(t, WithReranker(f.reranker), WithFetchK(12), WithTopK(4))

	if _, err := p.Ask(context.Background(), "q?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(f.reranker.RerankCalls) != 0 {
		t.Error("reranker invoked although candidate set already fit topK")
	}
}

func TestChatStream_ConcatenationMatchesAsk(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	f.generator.StreamChunks = []string{"The dead", "line is ", "31 May."}
	f.generator.GenerateResult = "The deadline is 31 May."
	p := f.pipeline(t)

	texts, errs := drain(t, p.ChatStream(context.Background(), "q?"))
	if len(errs) != 0 {
		t.Fatalf("stream errors: %v", errs)
	}
	streamed := strings.Join(texts, "")

	asked, err := p.Ask(context.Background(), "q?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if streamed != asked {
		t.Errorf("stream concat = %q, ask = %q", streamed, asked)
	}
}

func TestChatStream_PreOutputFailureFallsBackToOneShot(t *testing.T) {
	for _, tc := range []struct {
		name string
		prep func(*genmock.Provider)
	}{
		{"stream never opens", func(g *genmock.Provider) { g.StreamStartErr = errors.New("streaming unsupported") }},
		{"stream dies before first chunk", func(g *genmock.Provider) { g.FailAfter = -1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.index.QueryResult = somePassages()
			f.generator.GenerateResult = "The deadline is 31 May."
			tc.prep(f.generator)
			p := f.pipeline(t)

			texts, errs := drain(t, p.ChatStream(context.Background(), "q?"))
			if len(errs) != 0 {
				t.Fatalf("stream errors: %v", errs)
			}
			if got := strings.Join(texts, ""); got != "The deadline is 31 May." {
				t.Errorf("fallback stream = %q, want one-shot answer", got)
			}
			if len(f.generator.GenerateCalls) != 1 {
				t.Errorf("one-shot fallback called %d times, want 1", len(f.generator.GenerateCalls))
			}
		})
	}
}

func TestChatStream_FallbackSlicesLongAnswers(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	f.generator.StreamStartErr = errors.New("streaming unsupported")
	f.generator.GenerateResult = strings.Repeat("x", 450)
	p := f.pipeline(t)

	texts, errs := drain(t, p.ChatStream(context.Background(), "q?"))
	if len(errs) != 0 {
		t.Fatalf("stream errors: %v", errs)
	}
	if len(texts) != 3 {
		t.Fatalf("got %d fallback slices, want 3 (200+200+50)", len(texts))
	}
	if strings.Join(texts, "") != f.generator.GenerateResult {
		t.Error("slice concatenation does not reproduce the answer")
	}
	for i, slice := range texts[:len(texts)-1] {
		if len(slice) != 200 {
			t.Errorf("slice %d length = %d, want 200", i, len(slice))
		}
	}
}

func TestChatStream_FallbackSlicingKeepsRunesIntact(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	f.generator.StreamStartErr = errors.New("streaming unsupported")
	// "§" is two bytes in UTF-8, so cutting by bytes would land mid-rune.
	f.generator.GenerateResult = "Nach " + strings.Repeat("§", 450)
	p := f.pipeline(t)

	texts, errs := drain(t, p.ChatStream(context.Background(), "q?"))
	if len(errs) != 0 {
		t.Fatalf("stream errors: %v", errs)
	}
	for i, slice := range texts {
		if !utf8.ValidString(slice) {
			t.Errorf("slice %d is not valid UTF-8: %q", i, slice)
		}
	}
	if strings.Join(texts, "") != f.generator.GenerateResult {
		t.Error("slice concatenation does not reproduce the answer")
	}
	if len(texts) != 3 {
		t.Fatalf("got %d fallback slices, want 3 (200+200+55 runes)", len(texts))
	}
	for i, slice := range texts[:len(texts)-1] {
		if n := utf8.RuneCountInString(slice); n != 200 {
			t.Errorf("slice %d rune count = %d, want 200", i, n)
		}
	}
}

func TestChatStream_PostOutputFailureIsTerminalError(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	f.generator.StreamChunks = []string{"one ", "two ", "three ", "four ", "five"}
	f.generator.FailAfter = 2
	f.generator.GenerateResult = "should never be used"
	p := f.pipeline(t)

	texts, errs := drain(t, p.ChatStream(context.Background(), "q?"))
	if got := strings.Join(texts, ""); got != "one two " {
		t.Errorf("delivered prefix = %q, want %q", got, "one two ")
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrGenerationUnavailable) {
		t.Fatalf("stream errors = %v, want single terminal ErrGenerationUnavailable", errs)
	}
	if len(f.generator.GenerateCalls) != 0 {
		t.Error("one-shot fallback ran after partial output was delivered")
	}
}

func TestChatStream_EmptyStreamBecomesRefusal(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	f.generator.StreamChunks = nil // opens, emits nothing, stops
	p := f.pipeline(t)

	texts, errs := drain(t, p.ChatStream(context.Background(), "q?"))
	if len(errs) != 0 {
		t.Fatalf("stream errors: %v", errs)
	}
	if len(texts) != 1 || texts[0] != RefusalPhrase {
		t.Errorf("stream = %q, want single refusal fragment", texts)
	}
}

func TestRetrieve_BlankPayloadsDiscarded(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = []vectorstore.Passage{
		{Text: "  "},
		{Text: "real content"},
		{Text: ""},
	}
	f.generator.GenerateFunc = func(ctx context.Context, req genRequest) (string, error) {
		return req.Prompt, nil
	}
	p := f.pipeline(t)

	got, err := p.Ask(context.Background(), "q?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(got, "real content") {
		t.Error("non-blank passage missing from context")
	}
}

func TestRetrieve_SearchFailureCountsProviderError(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := newFixture()
	f.index.QueryErr = errors.New("connection refused")
	p, err := New(f.embedder, f.index, f.generator, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Ask(context.Background(), "q?"); !errors.Is(err, ErrRetrievalUnavailable) {
		t.Fatalf("Ask error = %v, want ErrRetrievalUnavailable", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "quaestor.provider.errors" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("provider.errors data = %T, want Sum[int64]", met.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 1 {
		t.Errorf("provider error count after search failure = %d, want 1", total)
	}
}

func TestRetrieve_QueryVectorIsNormalized(t *testing.T) {
	f := newFixture()
	f.embedder.EmbedResult = []float32{3, 4, 0} // length 5
	f.index.QueryResult = somePassages()
	f.generator.GenerateResult = "ok"
	p := f.pipeline(t)

	if _, err := p.Ask(context.Background(), "q?"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(f.index.QueryCalls) != 1 {
		t.Fatalf("index queried %d times, want 1", len(f.index.QueryCalls))
	}
	var sum float64
	for _, v := range f.index.QueryCalls[0].Vector {
		sum += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sum)-1) > 1e-5 {
		t.Errorf("query vector norm = %g, want 1", math.Sqrt(sum))
	}
}

func TestNormalize_UnitVectorUnchanged(t *testing.T) {
	in := []float32{1, 0, 0}
	out := normalize(in)
	if &in[0] != &out[0] {
		t.Error("already-unit vector was copied")
	}
}

func TestChatStream_CancellationStopsProducer(t *testing.T) {
	f := newFixture()
	f.index.QueryResult = somePassages()
	f.generator.StreamChunks = []string{"a", "b", "c", "d", "e"}
	p := f.pipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.ChatStream(ctx, "q?")

	// Read one fragment, then walk away.
	first, ok := <-ch
	if !ok || first.Text == "" {
		t.Fatalf("expected a first text fragment, got %+v ok=%v", first, ok)
	}
	cancel()

	// The producer must close the channel rather than block forever.
	for range ch {
	}
}
