package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChatOnce(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: "assistant", Content: "hello there"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-model", "test-embed", nil)
	got, err := c.ChatOnce(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, nil, &Options{Temperature: 0.7})
	if err != nil {
		t.Fatalf("ChatOnce error: %v", err)
	}
	if got != "hello there" {
		t.Errorf("content = %q, want %q", got, "hello there")
	}
	if gotReq.Stream {
		t.Error("stream should be false")
	}
	if gotReq.Model != "test-model" {
		t.Errorf("model = %q, want test-model", gotReq.Model)
	}
	if gotReq.Options == nil || gotReq.Options.Temperature != 0.7 {
		t.Errorf("options not forwarded: %+v", gotReq.Options)
	}
}

func TestChatOnce_ZeroTemperatureSerialized(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: "ok"}, Done: true})
	}))
	defer srv.Close()

	c := New(srv.URL, "m", "e", nil)
	if _, err := c.ChatOnce(context.Background(), []Message{{Role: "user", Content: "x"}}, nil, &Options{Temperature: 0}); err != nil {
		t.Fatalf("ChatOnce error: %v", err)
	}

	opts, ok := raw["options"].(map[string]any)
	if !ok {
		t.Fatal("options missing from request")
	}
	if _, ok := opts["temperature"]; !ok {
		t.Error("temperature: 0 must be present on the wire")
	}
}

func TestChatOnce_FormatSchemaForwarded(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Content: `{"x":1}`}, Done: true})
	}))
	defer srv.Close()

	schema := json.RawMessage(`{"type":"object","properties":{"x":{"type":"integer"}}}`)
	c := New(srv.URL, "m", "e", nil)
	if _, err := c.ChatOnce(context.Background(), []Message{{Role: "user", Content: "x"}}, schema, nil); err != nil {
		t.Fatalf("ChatOnce error: %v", err)
	}
	if _, ok := raw["format"]; !ok {
		t.Error("format schema missing from request")
	}
}

func TestChatOnce_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "missing", "e", nil)
	_, err := c.ChatOnce(context.Background(), []Message{{Role: "user", Content: "x"}}, nil, nil)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestEmbedBatch_SplitsOversizedBatches(t *testing.T) {
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		batchSizes = append(batchSizes, len(req.Input))
		vectors := make([][]float32, len(req.Input))
		for i := range vectors {
			vectors[i] = []float32{1, 0, 0}
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vectors})
	}))
	defer srv.Close()

	texts := make([]string, MaxBatchSize+5)
	for i := range texts {
		texts[i] = "chunk"
	}

	c := New(srv.URL, "m", "e", nil)
	vectors, err := c.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Errorf("got %d vectors, want %d", len(vectors), len(texts))
	}
	if len(batchSizes) != 2 || batchSizes[0] != MaxBatchSize || batchSizes[1] != 5 {
		t.Errorf("batch sizes = %v, want [%d 5]", batchSizes, MaxBatchSize)
	}
}

func TestEmbedBatch_TruncatesLongText(t *testing.T) {
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotLen = len(req.Input[0])
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.5}}})
	}))
	defer srv.Close()

	long := make([]byte, MaxTextChars*2)
	for i := range long {
		long[i] = 'a'
	}

	c := New(srv.URL, "m", "e", nil)
	if _, err := c.EmbedBatch(context.Background(), []string{string(long)}); err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if gotLen != MaxTextChars {
		t.Errorf("sent %d chars, want %d", gotLen, MaxTextChars)
	}
}

func TestEmbedBatch_TruncatesOnRuneBoundary(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		got = req.Input[0]
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.5}}})
	}))
	defer srv.Close()

	// Two-byte runes put byte MaxTextChars mid-sequence when the limit
	// is odd relative to the rune width; either way the cut must land
	// on a rune start.
	long := strings.Repeat("é", MaxTextChars)

	c := New(srv.URL, "m", "e", nil)
	if _, err := c.EmbedBatch(context.Background(), []string{long}); err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if !utf8.ValidString(got) {
		t.Error("truncated input is not valid UTF-8")
	}
	if len(got) > MaxTextChars {
		t.Errorf("sent %d bytes, want at most %d", len(got), MaxTextChars)
	}
}

func TestEmbedBatch_RetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "m", "e", nil)
	vectors, err := c.EmbedBatch(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vectors) != 1 {
		t.Errorf("got %d vectors, want 1", len(vectors))
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestEmbedBatch_ExhaustedRetriesFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "m", "e", nil)
	_, err := c.EmbedBatch(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls != embedRetries+1 {
		t.Errorf("calls = %d, want %d", calls, embedRetries+1)
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	c := New("http://localhost:0", "m", "e", nil)
	vectors, err := c.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil) error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "m", "e", nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping error: %v", err)
	}
}
