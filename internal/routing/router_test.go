package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aigoflow/inference-router/internal/backend"
	"github.com/aigoflow/inference-router/internal/models"
	"github.com/aigoflow/inference-router/internal/registry"
)

type fakeClient struct {
	models []string
}

func (f *fakeClient) Probe(ctx context.Context) error { return nil }

func (f *fakeClient) ListModels(ctx context.Context) ([]string, error) {
	return f.models, nil
}

func (f *fakeClient) Chat(ctx context.Context, req backend.ChatRequest, send backend.SendFunc) (backend.ChatResult, error) {
	return backend.ChatResult{}, nil
}

type fakeClientSource struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
}

func newFakeSource() *fakeClientSource {
	return &fakeClientSource{clients: make(map[string]*fakeClient)}
}

func (s *fakeClientSource) For(id, typ, addr string) (backend.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		c = &fakeClient{}
		s.clients[id] = c
	}
	return c, nil
}

func (s *fakeClientSource) setModels(id string, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[id] = &fakeClient{models: names}
}

func register(t *testing.T, reg *registry.Registry, host string) models.Backend {
	t.Helper()
	b, err := reg.Register(context.Background(), models.BackendSpec{Host: host, Port: 11434, Type: "ollama"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return b
}

func request(model string) *models.InferenceRequest {
	return &models.InferenceRequest{
		ReqID:    "req-1",
		Model:    model,
		Messages: []models.Message{{Role: "user", Content: "hi"}},
	}
}

func TestSelectNoBackends(t *testing.T) {
	reg := registry.New(nil)
	r := NewRouter(reg, newFakeSource(), DefaultConfig())

	if _, err := r.Select(context.Background(), request("m")); !errors.Is(err, models.ErrNoBackendAvailable) {
		t.Errorf("expected ErrNoBackendAvailable, got %v", err)
	}
}

func TestSelectSkipsNonDispatchable(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	active := register(t, reg, "a")
	draining := register(t, reg, "b")
	disabled := register(t, reg, "c")
	unhealthy := register(t, reg, "d")

	reg.SetStatus(ctx, draining.ID, models.StatusDraining)
	reg.SetStatus(ctx, disabled.ID, models.StatusDisabled)
	reg.SetHealth(unhealthy.ID, models.HealthState{Verdict: models.HealthUnhealthy})

	r := NewRouter(reg, newFakeSource(), DefaultConfig())

	for i := 0; i < 10; i++ {
		e, err := r.Select(ctx, request("m"))
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if e.ID() != active.ID {
			t.Fatalf("selected ineligible backend %s", e.ID())
		}
	}
}

func TestSelectExplicitID(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	b := register(t, reg, "a")
	r := NewRouter(reg, newFakeSource(), DefaultConfig())

	req := request("m")
	req.BackendID = b.ID
	e, err := r.Select(ctx, req)
	if err != nil {
		t.Fatalf("explicit select failed: %v", err)
	}
	if e.ID() != b.ID {
		t.Errorf("expected %s, got %s", b.ID, e.ID())
	}

	req.BackendID = "missing"
	if _, err := r.Select(ctx, req); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}

	reg.SetStatus(ctx, b.ID, models.StatusDraining)
	req.BackendID = b.ID
	if _, err := r.Select(ctx, req); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable for draining backend, got %v", err)
	}

	reg.SetStatus(ctx, b.ID, models.StatusActive)
	reg.SetHealth(b.ID, models.HealthState{Verdict: models.HealthUnhealthy})
	if _, err := r.Select(ctx, req); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable for unhealthy backend, got %v", err)
	}
}

func TestLeastRecentlyDispatchedRotation(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	hosts := []string{"a", "b", "c", "d"}
	for _, h := range hosts {
		register(t, reg, h)
	}
	r := NewRouter(reg, newFakeSource(), DefaultConfig())

	// With equal stamps each backend is visited exactly once per round.
	seen := make(map[string]int)
	for i := 0; i < len(hosts); i++ {
		e, err := r.Select(ctx, request("m"))
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		seen[e.ID()]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("backend %s selected %d times in one round", id, n)
		}
	}
}

func TestConcurrentSelectionSpreadsEvenly(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	for _, h := range []string{"a", "b", "c", "d", "e"} {
		register(t, reg, h)
	}
	r := NewRouter(reg, newFakeSource(), DefaultConfig())

	const requests = 100
	var mu sync.Mutex
	counts := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := r.Select(ctx, request("m"))
			if err != nil {
				t.Errorf("select failed: %v", err)
				return
			}
			mu.Lock()
			counts[e.ID()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Strict LRU under one selection lock gives an exact spread.
	for id, n := range counts {
		if n != requests/5 {
			t.Errorf("backend %s got %d dispatches, expected %d", id, n, requests/5)
		}
	}
}

func TestModelPreferenceNarrowsPool(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	a := register(t, reg, "a")
	b := register(t, reg, "b")
	c := register(t, reg, "c")

	src := newFakeSource()
	src.setModels(a.ID)
	src.setModels(b.ID, "llama3:8b")
	src.setModels(c.ID, "llama3:8b")
	r := NewRouter(reg, src, DefaultConfig())

	for i := 0; i < 6; i++ {
		e, err := r.Select(ctx, request("llama3:8b"))
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if e.ID() == a.ID {
			t.Fatal("selected a backend that does not declare the model while declaring ones exist")
		}
	}
}

func TestNoDeclaringBackendFallsBackToAll(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	a := register(t, reg, "a")

	src := newFakeSource()
	src.setModels(a.ID, "other-model")
	r := NewRouter(reg, src, DefaultConfig())

	e, err := r.Select(ctx, request("unknown-model"))
	if err != nil {
		t.Fatalf("select should fall back to the full pool: %v", err)
	}
	if e.ID() != a.ID {
		t.Errorf("expected %s, got %s", a.ID, e.ID())
	}
}

func TestSelectExcludingPinnedBackend(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	a := register(t, reg, "a")
	register(t, reg, "b")
	r := NewRouter(reg, newFakeSource(), DefaultConfig())

	req := request("m")
	req.BackendID = a.ID

	// Excluding some other backend leaves the pinned target usable.
	e, err := r.SelectExcluding(ctx, req, "other-id")
	if err != nil {
		t.Fatalf("pinned select failed: %v", err)
	}
	if e.ID() != a.ID {
		t.Errorf("expected pinned backend %s, got %s", a.ID, e.ID())
	}

	// Once the pinned backend itself is excluded there is nowhere to go;
	// it must never be handed back for the retry.
	if _, err := r.SelectExcluding(ctx, req, a.ID); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable for excluded pinned backend, got %v", err)
	}
}

func TestSelectExcluding(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	a := register(t, reg, "a")
	b := register(t, reg, "b")
	r := NewRouter(reg, newFakeSource(), DefaultConfig())

	e, err := r.SelectExcluding(ctx, request("m"), a.ID)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if e.ID() != b.ID {
		t.Errorf("expected %s, got %s", b.ID, e.ID())
	}

	// Excluding the only remaining backend leaves nothing.
	reg.SetStatus(ctx, a.ID, models.StatusDisabled)
	if _, err := r.SelectExcluding(ctx, request("m"), b.ID); !errors.Is(err, models.ErrNoBackendAvailable) {
		t.Errorf("expected ErrNoBackendAvailable, got %v", err)
	}
}

type blockingClient struct {
	entered chan struct{}
	release chan struct{}
	models  []string
}

func (c *blockingClient) Probe(ctx context.Context) error { return nil }

func (c *blockingClient) ListModels(ctx context.Context) ([]string, error) {
	c.entered <- struct{}{}
	<-c.release
	return c.models, nil
}

func (c *blockingClient) Chat(ctx context.Context, req backend.ChatRequest, send backend.SendFunc) (backend.ChatResult, error) {
	return backend.ChatResult{}, nil
}

type blockingSource struct{ client *blockingClient }

func (s *blockingSource) For(id, typ, addr string) (backend.Client, error) {
	return s.client, nil
}

func TestModelListRefreshDoesNotSerializeSelections(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	register(t, reg, "a")

	client := &blockingClient{
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
		models:  []string{"m"},
	}
	r := NewRouter(reg, &blockingSource{client: client}, DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Select(ctx, request("m")); err != nil {
				t.Errorf("select failed: %v", err)
			}
		}()
	}

	// Both refreshes must reach the network call; the cache lock is not
	// held across the fetch, so neither selection waits on the other.
	for i := 0; i < 2; i++ {
		select {
		case <-client.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("selection blocked behind an in-flight model list refresh")
		}
	}
	close(client.release)
	wg.Wait()
}
