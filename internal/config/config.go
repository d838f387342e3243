// Package config provides the configuration schema and loader for the
// quaestor answering service and its companion indexing command.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for quaestor.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	VectorStore VectorStoreConfig `yaml:"vectorstore"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Generation  GenerationConfig  `yaml:"generation"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Facts       FactsConfig       `yaml:"facts"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins is the CORS allowlist for browser front-ends. Empty
	// means no cross-origin access.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig declares which provider implementation serves each
// pipeline stage.
type ProvidersConfig struct {
	Embeddings ProviderEntry `yaml:"embeddings"`
	Rerank     ProviderEntry `yaml:"rerank"`
	Generation ProviderEntry `yaml:"generation"`

	// GenerationFallback, when configured, is chained behind the primary
	// generation provider with a circuit breaker.
	GenerationFallback ProviderEntry `yaml:"generation_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds. The Name field selects the implementation.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "workersai",
	// "openai", "anyllm").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// AccountID identifies the Cloudflare account for Workers AI providers.
	AccountID string `yaml:"account_id"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "@cf/baai/bge-base-en-v1.5", "gpt-4o-mini").
	Model string `yaml:"model"`

	// Backend selects the any-llm backend when Name is "anyllm"
	// (e.g., "anthropic", "ollama", "gemini").
	Backend string `yaml:"backend"`
}

// VectorStoreConfig selects and configures the vector index.
type VectorStoreConfig struct {
	// Name selects the implementation: "qdrant" or "postgres".
	Name string `yaml:"name"`

	// URL is the Qdrant endpoint (qdrant only).
	URL string `yaml:"url"`

	// APIKey authenticates Qdrant requests (qdrant only).
	APIKey string `yaml:"api_key"`

	// DSN is the PostgreSQL connection string (postgres only).
	DSN string `yaml:"dsn"`

	// Collection is the collection (or logical corpus) name.
	Collection string `yaml:"collection"`

	// Dimensions is the embedding dimensionality the store was built with.
	// Must match the embedding model's output exactly.
	Dimensions int `yaml:"dimensions"`
}

// RetrievalConfig holds the retrieval fan-out and context budget knobs.
type RetrievalConfig struct {
	// FetchK is the candidate superset size fetched from the vector store.
	FetchK int `yaml:"fetch_k"`

	// TopK is the number of passages kept after reranking.
	TopK int `yaml:"top_k"`

	// MaxContextChars is the assembled context character budget.
	MaxContextChars int `yaml:"max_context_chars"`
}

// GenerationConfig holds the model sampling knobs.
type GenerationConfig struct {
	// Temperature is the sampling temperature, in [0, 2].
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the model's output length.
	MaxTokens int `yaml:"max_tokens"`
}

// TimeoutsConfig bounds outbound calls. Generation gets a materially longer
// deadline than retrieval because model output is slow relative to vector
// lookup.
type TimeoutsConfig struct {
	// Connect bounds connection establishment to any upstream.
	Connect time.Duration `yaml:"connect"`

	// Retrieval bounds embedding, vector search, and rerank calls.
	Retrieval time.Duration `yaml:"retrieval"`

	// Generation bounds a complete model call, one-shot or streamed.
	Generation time.Duration `yaml:"generation"`
}

// FactsConfig locates the curated facts file served at /facts.
type FactsConfig struct {
	// Path is the JSON facts file. Empty disables the endpoint.
	Path string `yaml:"path"`
}

// Default returns a Config populated with the service defaults. Loading a
// file overlays on top of these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Retrieval: RetrievalConfig{
			FetchK:          12,
			TopK:            4,
			MaxContextChars: 6000,
		},
		Generation: GenerationConfig{
			Temperature: 0.2,
			MaxTokens:   512,
		},
		Timeouts: TimeoutsConfig{
			Connect:    10 * time.Second,
			Retrieval:  15 * time.Second,
			Generation: 120 * time.Second,
		},
	}
}
