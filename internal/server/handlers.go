package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/quaestor-ai/quaestor/internal/pipeline"
)

// askRequest is the body of POST /ask and POST /chat/stream.
type askRequest struct {
	Question string `json:"question"`
}

// handleAsk answers a question in one shot.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	question, ok := s.readQuestion(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GenerationTimeout)
	defer cancel()

	start := time.Now()
	answer, err := s.answers.Ask(ctx, question)
	s.metrics.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		s.log.Error("ask failed", "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, pipeline.ErrRetrievalUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

// handleChatStream answers a question as a server-sent-event stream: one
// event per fragment, an "event: error" on terminal failure, and a final
// "data: [DONE]" marker.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	question, ok := s.readQuestion(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GenerationTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for fragment := range s.answers.ChatStream(ctx, question) {
		if fragment.Err != nil {
			s.log.Error("stream failed", "error", fragment.Err)
			writeSSE(w, "error", fragment.Err.Error())
			flusher.Flush()
			return
		}
		writeSSE(w, "", fragment.Text)
		flusher.Flush()
	}
	writeSSE(w, "", "[DONE]")
	flusher.Flush()
}

// wsMessage is the JSON frame sent over /chat/ws. Exactly one field is set
// per frame; Done marks the end of a successful stream.
type wsMessage struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// handleChatWS answers a question over a websocket. The client sends one
// JSON frame {"question": ...}; the server replies with text frames and
// closes after a done or error frame.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected exit")

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.GenerationTimeout)
	defer cancel()

	var req askRequest
	if _, data, err := conn.Read(ctx); err != nil {
		return
	} else if err := json.Unmarshal(data, &req); err != nil {
		s.writeWS(ctx, conn, wsMessage{Error: "invalid request frame"})
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeWS(ctx, conn, wsMessage{Error: "missing 'question'"})
		conn.Close(websocket.StatusInvalidFramePayloadData, "missing question")
		return
	}

	for fragment := range s.answers.ChatStream(ctx, req.Question) {
		if fragment.Err != nil {
			s.writeWS(ctx, conn, wsMessage{Error: fragment.Err.Error()})
			conn.Close(websocket.StatusInternalError, "stream failed")
			return
		}
		if !s.writeWS(ctx, conn, wsMessage{Text: fragment.Text}) {
			return
		}
	}
	s.writeWS(ctx, conn, wsMessage{Done: true})
	conn.Close(websocket.StatusNormalClosure, "done")
}

// writeWS marshals and sends one frame, reporting whether the connection is
// still usable.
func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, msg wsMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}

// handleFacts serves the curated facts file.
func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	if s.facts == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "facts not configured"})
		return
	}
	list, err := s.facts.Load()
	if err != nil {
		s.log.Error("facts load failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "facts unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"facts":      list,
		"updated_at": time.Now().Unix(),
	})
}

// readQuestion decodes and validates the question body shared by /ask and
// /chat/stream. On failure it writes the 400 response and returns ok=false.
func (s *Server) readQuestion(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return "", false
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing 'question'"})
		return "", false
	}
	return question, true
}

// writeSSE emits one server-sent event. Multi-line data becomes one "data:"
// line per line; conforming clients rejoin them with "\n", so the payload
// round-trips exactly.
func writeSSE(w io.Writer, event, data string) {
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	io.WriteString(w, "\n")
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
