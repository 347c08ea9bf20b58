// Package backend talks to the actual model-serving processes (Ollama,
// vLLM-style OpenAI servers) over HTTP: liveness probes, model listing and
// streaming chat calls.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/aigoflow/inference-router/internal/models"
)

// ChatRequest is the upstream call input. Options are already validated.
type ChatRequest struct {
	Model    string
	Messages []models.Message
	Options  *models.GenOptions
}

// ChatResult summarizes a completed upstream call.
type ChatResult struct {
	Text         string
	FinishReason string
	Usage        models.Usage
}

// SendFunc receives each content fragment as it arrives. Returning an error
// aborts the stream.
type SendFunc func(models.Fragment) error

// Client is the narrow surface the core needs from one backend instance.
// All calls honor ctx deadlines; errors are classified with
// models.ErrTransient (retry-eligible) or models.ErrUpstream (not).
type Client interface {
	// Probe is a lightweight liveness call used by the health monitor.
	Probe(ctx context.Context) error
	// ListModels returns the model names the backend currently serves.
	ListModels(ctx context.Context) ([]string, error)
	// Chat issues the completion call, forwarding fragments to send as
	// they arrive. The final result is returned after the stream ends.
	Chat(ctx context.Context, req ChatRequest, send SendFunc) (ChatResult, error)
}

// Pool caches one Client per backend. Clients share a single http.Client
// with no global timeout; every call carries its own ctx deadline.
type Pool struct {
	mu      sync.Mutex
	clients map[string]Client
	http    *http.Client
}

func NewPool() *Pool {
	return &Pool{
		clients: make(map[string]Client),
		http:    &http.Client{},
	}
}

// For returns the client for a backend, building it on first use.
func (p *Pool) For(id, typ, addr string) (Client, error) {
	key := id + "|" + addr
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	baseURL := "http://" + addr
	var c Client
	switch strings.ToLower(typ) {
	case "ollama":
		c = NewOllamaClient(baseURL, p.http)
	case "vllm", "openai":
		c = NewOpenAIClient(baseURL, p.http)
	default:
		return nil, fmt.Errorf("%w: unsupported backend type %q", models.ErrInvalidSpec, typ)
	}
	p.clients[key] = c
	return c, nil
}

// Transient reports whether err is eligible for the single bounded retry.
func Transient(err error) bool {
	return errors.Is(err, models.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// classifyStatus turns a non-2xx upstream status into the right error kind.
// 5xx means the backend itself is in trouble; 4xx means it understood the
// request and rejected it.
func classifyStatus(status int, body string) error {
	if status >= 500 {
		return fmt.Errorf("%w: upstream status %d: %s", models.ErrTransient, status, truncate(body, 200))
	}
	return fmt.Errorf("%w: status %d: %s", models.ErrUpstream, status, truncate(body, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
