package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  allowed_origins:
    - "https://example.com"
providers:
  embeddings:
    name: workersai
    account_id: acc123
    api_key: secret
    model: "@cf/baai/bge-base-en-v1.5"
  rerank:
    name: workersai
    account_id: acc123
    api_key: secret
  generation:
    name: workersai
    account_id: acc123
    api_key: secret
    model: "@cf/meta/llama-3.1-8b-instruct"
vectorstore:
  name: qdrant
  url: "http://localhost:6333"
  collection: fiscal-code
  dimensions: 768
retrieval:
  fetch_k: 12
  top_k: 4
  max_context_chars: 6000
generation:
  temperature: 0.2
  max_tokens: 512
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.VectorStore.Dimensions != 768 {
		t.Errorf("dimensions = %d, want 768", cfg.VectorStore.Dimensions)
	}
	if cfg.Retrieval.FetchK != 12 || cfg.Retrieval.TopK != 4 {
		t.Errorf("retrieval = %+v, want fetch_k 12 top_k 4", cfg.Retrieval)
	}
}

func TestLoadFromReader_DefaultsApply(t *testing.T) {
	minimal := `
providers:
  embeddings:
    name: workersai
  generation:
    name: workersai
vectorstore:
  name: qdrant
  url: "http://localhost:6333"
  dimensions: 768
`
	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Timeouts.Generation <= cfg.Timeouts.Retrieval {
		t.Error("default generation timeout should exceed retrieval timeout")
	}
	if cfg.Timeouts.Generation != 120*time.Second {
		t.Errorf("default generation timeout = %v, want 120s", cfg.Timeouts.Generation)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	bad := validYAML + "\nsurprise: true\n"
	if _, err := LoadFromReader(strings.NewReader(bad)); err == nil {
		t.Error("unknown top-level field was accepted")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	cfg.Retrieval.TopK = 0
	cfg.Generation.Temperature = 7

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{"server.log_level", "retrieval.top_k", "generation.temperature"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_StoreRequirements(t *testing.T) {
	cases := []struct {
		name string
		prep func(*Config)
		want string
	}{
		{"missing store name", func(c *Config) {}, "vectorstore.name is required"},
		{"qdrant without url", func(c *Config) { c.VectorStore.Name = "qdrant" }, "vectorstore.url"},
		{"postgres without dsn", func(c *Config) { c.VectorStore.Name = "postgres" }, "vectorstore.dsn"},
		{"unknown store", func(c *Config) { c.VectorStore.Name = "redis" }, "vectorstore.name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Providers.Embeddings.Name = "workersai"
			cfg.Providers.Generation.Name = "workersai"
			cfg.VectorStore.Dimensions = 768
			tc.prep(cfg)

			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestValidate_TopKBoundedByFetchK(t *testing.T) {
	cfg := Default()
	cfg.Providers.Embeddings.Name = "workersai"
	cfg.Providers.Generation.Name = "workersai"
	cfg.VectorStore.Name = "qdrant"
	cfg.VectorStore.URL = "http://localhost:6333"
	cfg.VectorStore.Dimensions = 768
	cfg.Retrieval.TopK = 20

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "must not exceed") {
		t.Errorf("Validate = %v, want top_k > fetch_k rejection", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}
