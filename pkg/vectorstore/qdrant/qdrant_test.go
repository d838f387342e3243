package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
)

// recordingServer captures every request so tests can assert on paths and
// bodies after the call.
type recordingServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
	respond  func(r *http.Request) (int, string)
}

type recordedRequest struct {
	method string
	path   string
	query  string
	apiKey string
	body   map[string]any
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	rs := &recordingServer{
		respond: func(*http.Request) (int, string) { return http.StatusOK, `{"status":"ok"}` },
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			apiKey: r.Header.Get("api-key"),
			body:   body,
		})
		rs.mu.Unlock()
		status, resp := rs.respond(r)
		w.WriteHeader(status)
		w.Write([]byte(resp))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) last(t *testing.T) recordedRequest {
	t.Helper()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return rs.requests[len(rs.requests)-1]
}

func newTestStore(t *testing.T, rs *recordingServer) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{
		URL:        rs.URL,
		APIKey:     "secret",
		Collection: "corpus",
		Dimensions: 3,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// TestNew_EnsuresCollection verifies the collection is created with cosine
// distance and the configured vector size.
func TestNew_EnsuresCollection(t *testing.T) {
	rs := newRecordingServer(t)
	newTestStore(t, rs)

	req := rs.last(t)
	if req.method != http.MethodPut || req.path != "/collections/corpus" {
		t.Errorf("got %s %s, want PUT /collections/corpus", req.method, req.path)
	}
	if req.apiKey != "secret" {
		t.Errorf("api-key = %q, want secret", req.apiKey)
	}
	vectors, _ := req.body["vectors"].(map[string]any)
	if vectors["distance"] != "Cosine" {
		t.Errorf("distance = %v, want Cosine", vectors["distance"])
	}
	if size, _ := vectors["size"].(float64); size != 3 {
		t.Errorf("size = %v, want 3", vectors["size"])
	}
}

// TestNew_RejectsBadConfig checks config validation.
func TestNew_RejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Collection: "c", Dimensions: 3}); err == nil {
		t.Error("expected error for missing URL")
	}
	if _, err := New(ctx, Config{URL: "http://x", Dimensions: 3}); err == nil {
		t.Error("expected error for missing collection")
	}
	if _, err := New(ctx, Config{URL: "http://x", Collection: "c"}); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

// TestQuery_DecodesPassages verifies search result decoding, score carry, and
// payload metadata mapping.
func TestQuery_DecodesPassages(t *testing.T) {
	rs := newRecordingServer(t)
	s := newTestStore(t, rs)

	rs.respond = func(*http.Request) (int, string) {
		return http.StatusOK, `{"result":[
			{"score":0.92,"payload":{"text":"first passage","source":"ao.pdf","page":12,"section":"42","chunk":0}},
			{"score":0.81,"payload":{"text":"second passage","source":"ao.pdf","page":13,"section":"43","chunk":1}}
		]}`
	}

	passages, err := s.Query(context.Background(), []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("got %d passages, want 2", len(passages))
	}
	if passages[0].Text != "first passage" || passages[0].Score != 0.92 {
		t.Errorf("passage 0 = %+v", passages[0])
	}
	if passages[1].Metadata.Section != "43" || passages[1].Metadata.Page != 13 {
		t.Errorf("passage 1 metadata = %+v", passages[1].Metadata)
	}

	req := rs.last(t)
	if req.path != "/collections/corpus/points/search" {
		t.Errorf("search path = %q", req.path)
	}
	if withPayload, _ := req.body["with_payload"].(bool); !withPayload {
		t.Error("with_payload not set")
	}
	if limit, _ := req.body["limit"].(float64); limit != 2 {
		t.Errorf("limit = %v, want 2", req.body["limit"])
	}
}

// TestQuery_DimensionMismatch rejects a vector of the wrong size before any
// request is sent.
func TestQuery_DimensionMismatch(t *testing.T) {
	rs := newRecordingServer(t)
	s := newTestStore(t, rs)

	before := len(rs.requests)
	_, err := s.Query(context.Background(), []float32{1, 0}, 4)
	if !errors.Is(err, vectorstore.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	if len(rs.requests) != before {
		t.Error("request was sent despite dimension mismatch")
	}
}

// TestUpsert_WritesPointsWithWait verifies the point payload shape and the
// wait=true consistency flag.
func TestUpsert_WritesPointsWithWait(t *testing.T) {
	rs := newRecordingServer(t)
	s := newTestStore(t, rs)

	err := s.Upsert(context.Background(), []vectorstore.Point{{
		ID:     "point-1",
		Vector: []float32{1, 0, 0},
		Text:   "chunk text",
		Metadata: vectorstore.Metadata{
			Source: "ao.pdf", Page: 7, Section: "9a", Chunk: 2,
		},
	}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	req := rs.last(t)
	if req.method != http.MethodPut || req.path != "/collections/corpus/points" {
		t.Errorf("got %s %s, want PUT /collections/corpus/points", req.method, req.path)
	}
	if req.query != "wait=true" {
		t.Errorf("query = %q, want wait=true", req.query)
	}
	points, _ := req.body["points"].([]any)
	if len(points) != 1 {
		t.Fatalf("points = %v", req.body["points"])
	}
	point, _ := points[0].(map[string]any)
	payload, _ := point["payload"].(map[string]any)
	if point["id"] != "point-1" || payload["section"] != "9a" {
		t.Errorf("point = %v", point)
	}
}

// TestUpsert_DimensionMismatch rejects misfit vectors per point.
func TestUpsert_DimensionMismatch(t *testing.T) {
	rs := newRecordingServer(t)
	s := newTestStore(t, rs)

	err := s.Upsert(context.Background(), []vectorstore.Point{{
		ID:     "bad",
		Vector: []float32{1},
	}})
	if !errors.Is(err, vectorstore.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

// TestQuery_UpstreamErrorSurfaces maps a failing status to an error.
func TestQuery_UpstreamErrorSurfaces(t *testing.T) {
	rs := newRecordingServer(t)
	s := newTestStore(t, rs)

	rs.respond = func(*http.Request) (int, string) {
		return http.StatusInternalServerError, `{"status":{"error":"collection corrupt"}}`
	}
	if _, err := s.Query(context.Background(), []float32{1, 0, 0}, 4); err == nil {
		t.Fatal("expected upstream error")
	}
}
