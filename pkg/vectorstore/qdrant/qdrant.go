// Package qdrant implements vectorstore.Index and vectorstore.Upserter
// against the Qdrant REST API.
//
// The client is deliberately minimal — collection create, upsert, search —
// and assumes cosine distance, matching the convention of the indexing job.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
)

// defaultTimeout bounds a single Qdrant call. Vector lookup is fast; a hung
// store must not hold a request slot.
const defaultTimeout = 15 * time.Second

// Compile-time interface checks.
var (
	_ vectorstore.Index    = (*Store)(nil)
	_ vectorstore.Upserter = (*Store)(nil)
)

// Config holds the connection settings for a Qdrant store.
type Config struct {
	// URL is the Qdrant base URL (e.g. "https://xyz.cloud.qdrant.io:6333").
	URL string

	// APIKey authenticates requests. Empty for unsecured local instances.
	APIKey string

	// Collection is the collection name to query and write.
	Collection string

	// Dimensions is the vector size the collection was (or will be) created
	// with. Must match the embedding model's output dimensionality.
	Dimensions int

	// Timeout overrides the per-request deadline. Zero means the default.
	Timeout time.Duration
}

// Store is a minimal Qdrant REST client. Safe for concurrent use.
type Store struct {
	url        string
	apiKey     string
	collection string
	dimensions int
	client     *http.Client
}

// New creates a Store and ensures the collection exists with the configured
// dimensionality and cosine distance. Creating an already-existing collection
// is a no-op on the Qdrant side.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant: url must not be empty")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection must not be empty")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant: dimensions must be positive, got %d", cfg.Dimensions)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	s := &Store{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     cfg.Dimensions,
			"distance": "Cosine",
		},
	}
	if err := s.putJSON(ctx, fmt.Sprintf("%s/collections/%s", s.url, s.collection), body); err != nil {
		return nil, fmt.Errorf("qdrant: ensure collection %q: %w", s.collection, err)
	}
	return s, nil
}

// Query implements vectorstore.Index.
func (s *Store) Query(ctx context.Context, vector []float32, limit int) ([]vectorstore.Passage, error) {
	if err := vectorstore.CheckDimensions(vector, s.dimensions); err != nil {
		return nil, fmt.Errorf("qdrant: query: %w", err)
	}
	if limit <= 0 {
		limit = 5
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			Score   float64 `json:"score"`
			Payload struct {
				Text    string `json:"text"`
				Source  string `json:"source"`
				Page    int    `json:"page"`
				Section string `json:"section"`
				Chunk   int    `json:"chunk"`
			} `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collection)
	if err := s.postJSON(ctx, url, req, &resp); err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}

	passages := make([]vectorstore.Passage, 0, len(resp.Result))
	for _, r := range resp.Result {
		passages = append(passages, vectorstore.Passage{
			Text:  r.Payload.Text,
			Score: r.Score,
			Metadata: vectorstore.Metadata{
				Source:  r.Payload.Source,
				Page:    r.Payload.Page,
				Section: r.Payload.Section,
				Chunk:   r.Payload.Chunk,
			},
		})
	}
	return passages, nil
}

// Upsert implements vectorstore.Upserter.
func (s *Store) Upsert(ctx context.Context, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}

	payload := make([]map[string]any, len(points))
	for i, p := range points {
		if err := vectorstore.CheckDimensions(p.Vector, s.dimensions); err != nil {
			return fmt.Errorf("qdrant: upsert point %q: %w", p.ID, err)
		}
		payload[i] = map[string]any{
			"id":     p.ID,
			"vector": p.Vector,
			"payload": map[string]any{
				"text":    p.Text,
				"source":  p.Metadata.Source,
				"page":    p.Metadata.Page,
				"section": p.Metadata.Section,
				"chunk":   p.Metadata.Chunk,
			},
		}
	}

	body := map[string]any{"points": payload}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collection)
	if err := s.putJSON(ctx, url, body); err != nil {
		return fmt.Errorf("qdrant: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Dimensions implements vectorstore.Index.
func (s *Store) Dimensions() int {
	return s.dimensions
}

// Close implements vectorstore.Index. The REST client holds no persistent
// connections beyond the shared transport's idle pool.
func (s *Store) Close() {
	s.client.CloseIdleConnections()
}

func (s *Store) putJSON(ctx context.Context, url string, body any) error {
	return s.doJSON(ctx, http.MethodPut, url, body, nil)
}

func (s *Store) postJSON(ctx context.Context, url string, body any, out any) error {
	return s.doJSON(ctx, http.MethodPost, url, body, out)
}

func (s *Store) doJSON(ctx context.Context, method, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %s: %s", method, url, resp.Status, snippet)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
