// Package workersai provides a reranking provider backed by the Cloudflare
// Workers AI REST API (bge-reranker cross-encoder models).
package workersai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/quaestor-ai/quaestor/pkg/provider/rerank"
)

// DefaultModel is the default Workers AI reranking model.
const DefaultModel = "@cf/baai/bge-reranker-base"

// defaultTimeout bounds a single rerank request. Reranking sits on the
// latency-sensitive retrieval path, so it gets the short deadline.
const defaultTimeout = 15 * time.Second

// Ensure Provider implements the rerank.Provider interface.
var _ rerank.Provider = (*Provider)(nil)

// Provider implements rerank.Provider using Cloudflare Workers AI.
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

// WithBaseURL overrides the default Cloudflare API base URL.
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

// New constructs a Workers AI rerank Provider.
// If model is empty, DefaultModel (bge-reranker-base) is used.
func New(accountID, token, model string, opts ...Option) (*Provider, error) {
	if accountID == "" {
		return nil, fmt.Errorf("workersai rerank: accountID must not be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("workersai rerank: token must not be empty")
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

// rerankResponse is the /ai/run envelope for reranker models. Scores are
// aligned 1:1 with the input document order.
type rerankResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		Scores []float64 `json:"scores"`
	} `json:"result"`
}

// Rerank implements rerank.Provider.
func (p *Provider) Rerank(ctx context.Context, query string, docs []string, topK int) ([]int, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{
		"query":     query,
		"documents": docs,
	})
	if err != nil {
		return nil, fmt.Errorf("workersai rerank: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", p.baseURL, p.accountID, p.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workersai rerank: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workersai rerank: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("workersai rerank: unexpected status %d: %s", resp.StatusCode, snippet)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("workersai rerank: decode response: %w", err)
	}
	if !parsed.Success && len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("workersai rerank: api error: %s", parsed.Errors[0].Message)
	}

	scores := parsed.Result.Scores
	// A score count that does not match the input is a malformed response;
	// surfacing it lets the pipeline apply its original-order fallback.
	if len(scores) != len(docs) {
		return nil, fmt.Errorf("workersai rerank: got %d scores for %d documents", len(scores), len(docs))
	}

	order := make([]int, len(docs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if topK > 0 && topK < len(order) {
		order = order[:topK]
	}
	return order, nil
}
