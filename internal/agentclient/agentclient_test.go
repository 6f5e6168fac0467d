package agentclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBufferedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Text: "hello"})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "agent-1", 2*time.Second)
	resp, metrics, err := c.Buffered(t.Context(), Request{SessionName: "s1", UserID: "u1", Text: "hi"})
	if err != nil {
		t.Fatalf("Buffered: %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("got text %q", resp.Text)
	}
	if !metrics.Success || metrics.ChunkCount != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestBufferedAgentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Error: "boom"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 2*time.Second)
	_, metrics, err := c.Buffered(t.Context(), Request{SessionName: "s1", UserID: "u1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	if metrics.Success {
		t.Fatal("expected success=false on agent error")
	}
}

func TestStreamingChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		enc.Encode(Chunk{Content: "hel"})
		if flusher != nil {
			flusher.Flush()
		}
		enc.Encode(Chunk{Content: "lo", Done: true})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", 2*time.Second)
	var seen []string
	resp, metrics, err := c.Streaming(t.Context(), Request{SessionName: "s1", UserID: "u1", Text: "hi"}, func(ch Chunk) {
		seen = append(seen, ch.Content)
	})
	if err != nil {
		t.Fatalf("Streaming: %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("got %q", resp.Text)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 chunks observed, got %d", len(seen))
	}
	if metrics.ChunkCount != 2 || !metrics.Success {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}
