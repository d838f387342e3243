// Package workersai provides an embeddings provider backed by the Cloudflare
// Workers AI REST API.
//
// Workers AI has no official Go SDK, so this is a thin net/http client around
// the /ai/run endpoint. The response shape for embedding models has varied
// across model generations — result.data may contain bare float arrays or
// objects with a nested "embedding" field — so decoding goes through an
// ordered list of shape matchers.
package workersai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quaestor-ai/quaestor/pkg/provider/embeddings"
)

// DefaultModel is the default Workers AI embedding model.
const DefaultModel = "@cf/baai/bge-base-en-v1.5"

// defaultTimeout bounds a single embedding request. Embedding latency is
// measured in hundreds of milliseconds; anything beyond this is a hung upstream.
const defaultTimeout = 30 * time.Second

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using Cloudflare Workers AI.
type Provider struct {
	accountID string
	token     string
	model     string
	baseURL   string
	client    *http.Client
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Cloudflare API base URL. Mainly useful for
// pointing tests at a local stub server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a Workers AI embeddings Provider.
// If model is empty, DefaultModel (bge-base-en-v1.5, 768 dimensions) is used.
func New(accountID, token, model string, opts ...Option) (*Provider, error) {
	if accountID == "" {
		return nil, fmt.Errorf("workersai embeddings: accountID must not be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("workersai embeddings: token must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{
		baseURL: "https://api.cloudflare.com/client/v4",
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	return &Provider{
		accountID: accountID,
		token:     token,
		model:     model,
		baseURL:   cfg.baseURL,
		client:    &http.Client{Timeout: cfg.timeout},
	}, nil
}

// runResponse is the Workers AI envelope for embedding models.
type runResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		Data []json.RawMessage `json:"data"`
	} `json:"result"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{"text": texts})
	if err != nil {
		return nil, fmt.Errorf("workersai embeddings: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", p.baseURL, p.accountID, p.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workersai embeddings: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workersai embeddings: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("workersai embeddings: unexpected status %d: %s", resp.StatusCode, snippet)
	}

	var parsed runResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("workersai embeddings: decode response: %w", err)
	}
	if !parsed.Success && len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("workersai embeddings: api error: %s", parsed.Errors[0].Message)
	}
	if len(parsed.Result.Data) != len(texts) {
		return nil, fmt.Errorf("workersai embeddings: expected %d vectors, got %d", len(texts), len(parsed.Result.Data))
	}

	result := make([][]float32, len(texts))
	for i, raw := range parsed.Result.Data {
		vec, err := decodeVector(raw)
		if err != nil {
			return nil, fmt.Errorf("workersai embeddings: vector %d: %w", i, err)
		}
		result[i] = vec
	}
	return result, nil
}

// decodeVector normalizes the two known shapes of a result.data element:
// a bare float array, or an object carrying an "embedding" array.
func decodeVector(raw json.RawMessage) ([]float32, error) {
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil {
		if len(flat) == 0 {
			return nil, fmt.Errorf("empty vector")
		}
		return flat, nil
	}

	var wrapped struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Embedding) > 0 {
		return wrapped.Embedding, nil
	}

	return nil, fmt.Errorf("unrecognised vector shape")
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// modelDimensions returns the output dimensionality of known Workers AI
// embedding models.
func modelDimensions(model string) int {
	switch model {
	case "@cf/baai/bge-small-en-v1.5":
		return 384
	case "@cf/baai/bge-base-en-v1.5":
		return 768
	case "@cf/baai/bge-large-en-v1.5":
		return 1024
	default:
		return 768
	}
}
