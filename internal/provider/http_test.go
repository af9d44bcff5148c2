package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mindloop/internal/types"
)

func completionBody(text string, totalTokens int) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": text}},
		},
		"usage": map[string]int{"total_tokens": totalTokens},
	}
}

func TestHTTPProvider_Generate(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path=%s, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth=%q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(completionBody("  a thoughtful answer  ", 1234))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{Name: "deep", APIKey: "test-key", BaseURL: srv.URL, Model: "test-model", System: "be brief"})
	res, err := p.Generate(context.Background(), "a prompt", types.GenerateOptions{MaxTokens: 100, Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "a thoughtful answer" {
		t.Fatalf("text=%q, want trimmed completion", res.Text)
	}
	if res.TokensUsed != 1234 {
		t.Fatalf("tokens=%d, want usage total", res.TokensUsed)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Fatalf("messages=%+v, want system+user", gotReq.Messages)
	}
	if gotReq.Model != "test-model" || gotReq.MaxTokens != 100 {
		t.Fatalf("request=%+v", gotReq)
	}
}

func TestHTTPProvider_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(completionBody("recovered", 10))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL})
	res, err := p.Generate(context.Background(), "p", types.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "recovered" || calls.Load() != 2 {
		t.Fatalf("text=%q calls=%d, want retry then success", res.Text, calls.Load())
	}
}

func TestHTTPProvider_ServerErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL})
	if _, err := p.Generate(context.Background(), "p", types.GenerateOptions{}); err == nil {
		t.Fatal("server error should surface")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, 5xx must not be retried", calls.Load())
	}
}

func TestHTTPProvider_DeadlineRespected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server detects the client disconnect and
		// cancels r.Context(); otherwise srv.Close() deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL})
	start := time.Now()
	_, err := p.Generate(context.Background(), "p", types.GenerateOptions{Deadline: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("deadline not honored, took %s", elapsed)
	}
}

func TestHTTPProvider_EstimatesMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionBody("a reply that is forty characters long!!", 0))
	}))
	defer srv.Close()

	p := NewLocalProvider(srv.URL, "local-model")
	res, err := p.Generate(context.Background(), "p", types.GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.TokensUsed == 0 {
		t.Fatal("tokens should be estimated when usage is omitted")
	}
}

func TestStaticProvider_Rotation(t *testing.T) {
	p := NewStaticProvider("rote", "first", "second")
	ctx := context.Background()

	r1, _ := p.Generate(ctx, "x", types.GenerateOptions{})
	r2, _ := p.Generate(ctx, "x", types.GenerateOptions{})
	r3, _ := p.Generate(ctx, "x", types.GenerateOptions{})
	if r1.Text != "first" || r2.Text != "second" || r3.Text != "first" {
		t.Fatalf("rotation broken: %q %q %q", r1.Text, r2.Text, r3.Text)
	}
	if r1.TokensUsed == 0 {
		t.Fatal("static provider should report estimated tokens")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := p.Generate(cancelled, "x", types.GenerateOptions{}); err == nil {
		t.Fatal("cancelled context should error")
	}
}
