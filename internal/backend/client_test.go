package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aigoflow/inference-router/internal/models"
)

func collect() (SendFunc, *[]models.Fragment) {
	var frags []models.Fragment
	return func(f models.Fragment) error {
		frags = append(frags, f)
		return nil
	}, &frags
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":4}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, srv.Client())
	send, frags := collect()
	result, err := c.Chat(context.Background(), ChatRequest{Model: "llama3:8b"}, send)
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if result.Text != "Hello" {
		t.Errorf("expected assembled text Hello, got %q", result.Text)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected stop, got %q", result.FinishReason)
	}
	if result.Usage.TokensIn != 12 || result.Usage.TokensOut != 4 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
	if len(*frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(*frags))
	}
	last := (*frags)[2]
	if !last.Done || last.FinishReason != "stop" {
		t.Errorf("final fragment should carry done marker, got %+v", last)
	}
}

func TestOllamaChatUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"error":"model not found"}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, srv.Client())
	send, _ := collect()
	_, err := c.Chat(context.Background(), ChatRequest{Model: "missing"}, send)
	if !errors.Is(err, models.ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
	if Transient(err) {
		t.Error("an upstream rejection must not be retryable")
	}
}

func TestOllamaChatTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
		// Connection closes without a done chunk.
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, srv.Client())
	send, _ := collect()
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"}, send)
	if !errors.Is(err, models.ErrTransient) {
		t.Errorf("truncated stream should be transient, got %v", err)
	}
}

func TestOllamaStatusClassification(t *testing.T) {
	for _, tc := range []struct {
		status    int
		transient bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c := NewOllamaClient(srv.URL, srv.Client())
		send, _ := collect()
		_, err := c.Chat(context.Background(), ChatRequest{Model: "m"}, send)
		srv.Close()

		if err == nil {
			t.Fatalf("status %d should fail", tc.status)
		}
		if got := errors.Is(err, models.ErrTransient); got != tc.transient {
			t.Errorf("status %d: transient=%v, want %v (%v)", tc.status, got, tc.transient, err)
		}
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"models":[{"name":"llama3:8b"},{"name":"qwen2:7b"}]}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, srv.Client())
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(names) != 2 || names[0] != "llama3:8b" || names[1] != "qwen2:7b" {
		t.Errorf("unexpected models: %v", names)
	}
}

func TestOllamaProbeConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := NewOllamaClient(srv.URL, &http.Client{})
	err := c.Probe(context.Background())
	if !errors.Is(err, models.ErrTransient) {
		t.Errorf("connection failure should be transient, got %v", err)
	}
}

func TestOpenAIChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":8,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, srv.Client())
	send, frags := collect()
	result, err := c.Chat(context.Background(), ChatRequest{Model: "qwen"}, send)
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if result.Text != "Hi there" {
		t.Errorf("expected assembled text, got %q", result.Text)
	}
	if result.FinishReason != "stop" {
		t.Errorf("expected stop, got %q", result.FinishReason)
	}
	if result.Usage.TokensIn != 8 || result.Usage.TokensOut != 2 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
	if len(*frags) == 0 || !(*frags)[len(*frags)-1].Done {
		t.Errorf("expected a final done fragment, got %v", *frags)
	}
}

func TestOpenAIStreamWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, srv.Client())
	send, _ := collect()
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"}, send)
	if !errors.Is(err, models.ErrTransient) {
		t.Errorf("missing [DONE] should be transient, got %v", err)
	}
}

func TestOpenAIListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"data":[{"id":"qwen2-72b"}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, srv.Client())
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(names) != 1 || names[0] != "qwen2-72b" {
		t.Errorf("unexpected models: %v", names)
	}
}

func TestPoolResolvesTypes(t *testing.T) {
	p := NewPool()
	if _, err := p.For("b1", "ollama", "h:1"); err != nil {
		t.Errorf("ollama should resolve: %v", err)
	}
	if _, err := p.For("b2", "vllm", "h:2"); err != nil {
		t.Errorf("vllm should resolve: %v", err)
	}
	if _, err := p.For("b3", "openai", "h:3"); err != nil {
		t.Errorf("openai should resolve: %v", err)
	}
	if _, err := p.For("b4", "exotic", "h:4"); !errors.Is(err, models.ErrInvalidSpec) {
		t.Errorf("unknown type should be ErrInvalidSpec, got %v", err)
	}

	// Same backend gets the same client back.
	a, _ := p.For("b1", "ollama", "h:1")
	b, _ := p.For("b1", "ollama", "h:1")
	if a != b {
		t.Error("pool should cache clients per backend")
	}
}

func TestOllamaSendAbortStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 50; i++ {
			fmt.Fprintf(w, "{\"message\":{\"content\":\"c%d\"},\"done\":false}\n", i)
		}
		fmt.Fprintln(w, `{"message":{"content":""},"done":true,"done_reason":"stop"}`)
	}))
	defer srv.Close()

	abort := errors.New("caller gone")
	calls := 0
	c := NewOllamaClient(srv.URL, srv.Client())
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"}, func(f models.Fragment) error {
		calls++
		if calls == 2 {
			return abort
		}
		return nil
	})
	if !errors.Is(err, abort) {
		t.Errorf("send error should surface, got %v", err)
	}
	if calls != 2 {
		t.Errorf("stream should stop after the aborting send, got %d calls", calls)
	}
}
