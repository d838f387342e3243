// Package workersai provides a generation provider backed by the Cloudflare
// Workers AI REST API.
//
// Workers AI has no official Go SDK. The non-streaming path is a plain JSON
// POST to /ai/run/{model}; the streaming path requests server-sent events and
// normalizes each "data:" payload through an ordered list of shape matchers
// (text-generation models have emitted {"response": ...}, {"delta":
// {"content": ...}}, and bare-string payloads across releases). Payloads
// without extractable text are skipped rather than failing the stream.
package workersai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quaestor-ai/quaestor/pkg/provider/generation"
)

// DefaultModel is the default Workers AI text-generation model.
const DefaultModel = "@cf/meta/llama-3.1-8b-instruct"

// defaultConnectTimeout bounds connection establishment. Kept separate from
// the read deadline because model output is slow relative to the handshake.
const defaultConnectTimeout = 10 * time.Second

// Ensure Provider implements the generation.Provider interface.
var _ generation.Provider = (*Provider)(nil)

// Provider implements generation.Provider using Cloudflare Workers AI.
type Provider struct {
	accountID string
	token     string
	model     string
	baseURL   string
	client    *http.Client
}

// config holds optional configuration for the provider.
type config struct {
	baseURL        string
	connectTimeout time.Duration
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

// WithConnectTimeout sets the TCP connect and response-header deadline. The
// total request deadline comes from the caller's context, so a long-running
// stream is not cut off by a client-wide timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) {
		c.connectTimeout = d
	}
}

// New constructs a Workers AI generation Provider.
// If model is empty, DefaultModel (llama-3.1-8b-instruct) is used.
func New(accountID, token, model string, opts ...Option) (*Provider, error) {
	if accountID == "" {
		return nil, fmt.Errorf("workersai generation: accountID must not be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("workersai generation: token must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{
		baseURL:        "https://api.cloudflare.com/client/v4",
		connectTimeout: defaultConnectTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.connectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.connectTimeout,
	}

	return &Provider{
		accountID: accountID,
		token:     token,
		model:     model,
		baseURL:   cfg.baseURL,
		client:    &http.Client{Transport: transport},
	}, nil
}

// chatRequest is the /ai/run request body for chat-style models.
type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the non-streaming /ai/run envelope.
type chatResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		Response string `json:"response"`
	} `json:"result"`
}

// Generate implements generation.Provider.
func (p *Provider) Generate(ctx context.Context, req generation.Request) (string, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("workersai generation: decode response: %w", err)
	}
	if !parsed.Success && len(parsed.Errors) > 0 {
		return "", fmt.Errorf("workersai generation: api error: %s", parsed.Errors[0].Message)
	}
	return parsed.Result.Response, nil
}

// GenerateStream implements generation.Provider.
func (p *Provider) GenerateStream(ctx context.Context, req generation.Request) (<-chan generation.Chunk, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan generation.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				select {
				case ch <- generation.Chunk{FinishReason: "stop"}:
				case <-ctx.Done():
				}
				return
			}

			text, ok := extractText(payload)
			if !ok || text == "" {
				continue
			}
			select {
			case ch <- generation.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- generation.Chunk{FinishReason: generation.FinishError, Text: err.Error()}:
			case <-ctx.Done():
			}
			return
		}
		// Connection closed without [DONE] — treat as a natural end.
		select {
		case ch <- generation.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// ModelID implements generation.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// post issues the /ai/run request and verifies the HTTP status. The caller
// owns the response body.
func (p *Provider) post(ctx context.Context, req generation.Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("workersai generation: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", p.baseURL, p.accountID, p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workersai generation: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.token)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("workersai generation: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("workersai generation: unexpected status %d: %s", resp.StatusCode, snippet)
	}
	return resp, nil
}

// extractText normalizes one SSE payload into plain text. Matchers are tried
// in order; the first that yields text wins.
func extractText(payload string) (string, bool) {
	var obj struct {
		Response string `json:"response"`
		Delta    struct {
			Content string `json:"content"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(payload), &obj); err == nil {
		if obj.Response != "" {
			return obj.Response, true
		}
		if obj.Delta.Content != "" {
			return obj.Delta.Content, true
		}
		// Valid JSON but no known text field (e.g. usage-only event).
		return "", false
	}

	var s string
	if err := json.Unmarshal([]byte(payload), &s); err == nil {
		return s, true
	}

	// Not JSON at all — some deployments emit raw token text.
	return payload, true
}
