// Package server exposes the answering pipeline over HTTP: one-shot answers,
// server-sent-event and websocket streams, the curated facts file, health
// probes, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quaestor-ai/quaestor/internal/facts"
	"github.com/quaestor-ai/quaestor/internal/health"
	"github.com/quaestor-ai/quaestor/internal/observe"
	"github.com/quaestor-ai/quaestor/internal/pipeline"
)

// Answerer is the pipeline surface the server depends on. *pipeline.Pipeline
// satisfies it; tests inject fakes.
type Answerer interface {
	Ask(ctx context.Context, question string) (string, error)
	ChatStream(ctx context.Context, question string) <-chan pipeline.Fragment
}

// Config holds the HTTP-layer settings.
type Config struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// AllowedOrigins is the CORS allowlist. Empty disables cross-origin
	// access.
	AllowedOrigins []string

	// GenerationTimeout bounds a complete answer, one-shot or streamed.
	GenerationTimeout time.Duration
}

// Server wires the handlers into a chi router.
type Server struct {
	cfg     Config
	answers Answerer
	facts   *facts.Store // nil disables /facts
	health  *health.Handler
	log     *slog.Logger
	metrics *observe.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithFacts enables the /facts endpoint backed by store.
func WithFacts(store *facts.Store) Option {
	return func(s *Server) { s.facts = store }
}

// WithHealth sets the health handler. Defaults to one with no readiness
// checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New constructs a Server around the answering pipeline.
func New(cfg Config, answers Answerer, opts ...Option) (*Server, error) {
	if answers == nil {
		return nil, errors.New("server: answerer must not be nil")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 120 * time.Second
	}

	s := &Server{cfg: cfg, answers: answers}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Router assembles the HTTP routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/facts", s.handleFacts)
	r.Post("/ask", s.handleAsk)
	r.Post("/chat/stream", s.handleChatStream)
	r.Get("/chat/ws", s.handleChatWS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "endpoint not found"})
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
