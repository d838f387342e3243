package workersai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quaestor-ai/quaestor/pkg/provider/generation"
)

// TestExtractText_Shapes covers the payload shapes seen across model releases.
func TestExtractText_Shapes(t *testing.T) {
	cases := []struct {
		payload string
		want    string
		ok      bool
	}{
		{`{"response":"hello"}`, "hello", true},
		{`{"delta":{"content":"world"}}`, "world", true},
		{`"bare string"`, "bare string", true},
		{`raw token`, "raw token", true},
		{`{"usage":{"total_tokens":10}}`, "", false},
	}
	for _, c := range cases {
		got, ok := extractText(c.payload)
		if got != c.want || ok != c.ok {
			t.Errorf("extractText(%q) = (%q, %v), want (%q, %v)", c.payload, got, ok, c.want, c.ok)
		}
	}
}

// TestGenerate_ReturnsResponse checks the non-streaming path end to end.
func TestGenerate_ReturnsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/accounts/acct/ai/run/") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"result":{"response":"grounded answer"}}`))
	}))
	defer srv.Close()

	p, err := New("acct", "token", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	answer, err := p.Generate(context.Background(), generation.Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != "grounded answer" {
		t.Errorf("answer = %q", answer)
	}
}

// TestGenerate_APIError surfaces the envelope error.
func TestGenerate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"success":false,"errors":[{"message":"rate limited"}]}`))
	}))
	defer srv.Close()

	p, err := New("acct", "token", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Generate(context.Background(), generation.Request{Prompt: "q"}); err == nil {
		t.Fatal("expected API error")
	}
}

// TestGenerate_Non200IsError verifies a failing status never yields text.
func TestGenerate_Non200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := New("acct", "token", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Generate(context.Background(), generation.Request{Prompt: "q"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v, want status error", err)
	}
}

// TestGenerateStream_NormalizesChunks drives a full SSE exchange and checks
// that payloads concatenate in order and the stream ends with "stop".
func TestGenerateStream_NormalizesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"response\":\"The \"}\n\n"))
		w.Write([]byte("data: {\"usage\":{\"total_tokens\":3}}\n\n")) // no text, skipped
		w.Write([]byte("data: {\"response\":\"answer.\"}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p, err := New("acct", "token", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.GenerateStream(context.Background(), generation.Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var text strings.Builder
	var finish string
	for chunk := range ch {
		text.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if text.String() != "The answer." {
		t.Errorf("streamed text = %q, want %q", text.String(), "The answer.")
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
}

// TestGenerateStream_EOFWithoutDoneIsStop verifies a clean close without the
// [DONE] marker still terminates normally.
func TestGenerateStream_EOFWithoutDoneIsStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("data: {\"response\":\"partial\"}\n\n"))
	}))
	defer srv.Close()

	p, err := New("acct", "token", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.GenerateStream(context.Background(), generation.Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var finish string
	for chunk := range ch {
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}
}

// TestGenerateStream_OpenFailure verifies a non-200 status fails the call
// directly instead of producing a channel.
func TestGenerateStream_OpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := New("acct", "token", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.GenerateStream(context.Background(), generation.Request{Prompt: "q"}); err == nil {
		t.Fatal("expected open failure")
	}
}

// TestNew_MissingCredentials checks that account ID and token are required.
func TestNew_MissingCredentials(t *testing.T) {
	if _, err := New("", "token", ""); err == nil {
		t.Error("expected error for empty account ID")
	}
	if _, err := New("acct", "", ""); err == nil {
		t.Error("expected error for empty token")
	}
}
