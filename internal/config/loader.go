package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"workersai", "openai"},
	"rerank":     {"workersai"},
	"generation": {"workersai", "openai", "anyllm"},
}

// ValidStoreNames lists the supported vector store implementations.
var ValidStoreNames = []string{"qdrant", "postgres"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("rerank", cfg.Providers.Rerank.Name)
	validateProviderName("generation", cfg.Providers.Generation.Name)
	validateProviderName("generation", cfg.Providers.GenerationFallback.Name)

	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required"))
	}
	if cfg.Providers.Generation.Name == "" {
		errs = append(errs, errors.New("providers.generation.name is required"))
	}

	// Vector store
	switch cfg.VectorStore.Name {
	case "":
		errs = append(errs, errors.New("vectorstore.name is required"))
	case "qdrant":
		if cfg.VectorStore.URL == "" {
			errs = append(errs, errors.New("vectorstore.url is required when vectorstore.name is qdrant"))
		}
	case "postgres":
		if cfg.VectorStore.DSN == "" {
			errs = append(errs, errors.New("vectorstore.dsn is required when vectorstore.name is postgres"))
		}
	default:
		if !slices.Contains(ValidStoreNames, cfg.VectorStore.Name) {
			errs = append(errs, fmt.Errorf("vectorstore.name %q is invalid; valid values: qdrant, postgres", cfg.VectorStore.Name))
		}
	}
	if cfg.VectorStore.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("vectorstore.dimensions must be positive, got %d", cfg.VectorStore.Dimensions))
	}

	// Retrieval knobs
	if cfg.Retrieval.FetchK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.fetch_k must be positive, got %d", cfg.Retrieval.FetchK))
	}
	if cfg.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", cfg.Retrieval.TopK))
	}
	if cfg.Retrieval.TopK > cfg.Retrieval.FetchK {
		errs = append(errs, fmt.Errorf("retrieval.top_k (%d) must not exceed retrieval.fetch_k (%d)", cfg.Retrieval.TopK, cfg.Retrieval.FetchK))
	}
	if cfg.Retrieval.MaxContextChars <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.max_context_chars must be positive, got %d", cfg.Retrieval.MaxContextChars))
	}

	// Generation knobs
	if cfg.Generation.Temperature < 0 || cfg.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f is out of range [0, 2]", cfg.Generation.Temperature))
	}
	if cfg.Generation.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("generation.max_tokens must be positive, got %d", cfg.Generation.MaxTokens))
	}

	// Timeouts
	if cfg.Timeouts.Connect <= 0 || cfg.Timeouts.Retrieval <= 0 || cfg.Timeouts.Generation <= 0 {
		errs = append(errs, errors.New("timeouts.connect, timeouts.retrieval, and timeouts.generation must all be positive"))
	} else if cfg.Timeouts.Generation < cfg.Timeouts.Retrieval {
		slog.Warn("timeouts.generation is shorter than timeouts.retrieval; model calls will likely time out",
			"generation", cfg.Timeouts.Generation,
			"retrieval", cfg.Timeouts.Retrieval,
		)
	}

	// Rerank availability is optional by design; note its absence at debug
	// level only.
	if cfg.Providers.Rerank.Name == "" {
		slog.Debug("providers.rerank is not configured; retrieval order will be used as-is")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
