package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aigoflow/inference-router/internal/models"
)

func spec(host string, port int) models.BackendSpec {
	return models.BackendSpec{Host: host, Port: port, Type: "ollama"}
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	cases := []struct {
		name string
		spec models.BackendSpec
	}{
		{"missing host", models.BackendSpec{Port: 11434, Type: "ollama"}},
		{"port zero", models.BackendSpec{Host: "gpu-1", Type: "ollama"}},
		{"port too large", models.BackendSpec{Host: "gpu-1", Port: 70000, Type: "ollama"}},
		{"missing type", models.BackendSpec{Host: "gpu-1", Port: 11434}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Register(ctx, tc.spec); !errors.Is(err, models.ErrInvalidSpec) {
				t.Errorf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func TestRegisterAssignsDefaults(t *testing.T) {
	r := New(nil)
	b, err := r.Register(context.Background(), spec("gpu-1", 11434))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if b.ID == "" {
		t.Error("expected generated id")
	}
	if b.Status != models.StatusActive {
		t.Errorf("expected active status, got %s", b.Status)
	}
	if b.Health != models.HealthUnknown {
		t.Errorf("expected unknown health, got %s", b.Health)
	}
}

func TestRegisterDuplicateAddress(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	first, err := r.Register(ctx, spec("gpu-1", 11434))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := r.Register(ctx, spec("gpu-1", 11434)); !errors.Is(err, models.ErrDuplicateBackend) {
		t.Errorf("expected ErrDuplicateBackend, got %v", err)
	}

	// Same host, different port is a different backend.
	if _, err := r.Register(ctx, spec("gpu-1", 11435)); err != nil {
		t.Errorf("different port should register: %v", err)
	}

	// Disabling the first frees the address for re-registration.
	if _, err := r.SetStatus(ctx, first.ID, models.StatusDisabled); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	if _, err := r.Register(ctx, spec("gpu-1", 11434)); err != nil {
		t.Errorf("address of disabled backend should be reusable: %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	b, _ := r.Register(ctx, spec("gpu-1", 11434))

	updated, err := r.SetStatus(ctx, b.ID, models.StatusDraining)
	if err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	if updated.Status != models.StatusDraining {
		t.Errorf("expected draining, got %s", updated.Status)
	}

	if _, err := r.SetStatus(ctx, b.ID, models.BackendStatus("bogus")); !errors.Is(err, models.ErrInvalidSpec) {
		t.Errorf("expected ErrInvalidSpec for bogus status, got %v", err)
	}
	if _, err := r.SetStatus(ctx, "missing", models.StatusActive); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveRequiresDisabledAndIdle(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	b, _ := r.Register(ctx, spec("gpu-1", 11434))

	if err := r.Remove(ctx, b.ID); !errors.Is(err, models.ErrConflict) {
		t.Errorf("removing an active backend should conflict, got %v", err)
	}

	if _, err := r.SetStatus(ctx, b.ID, models.StatusDisabled); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	e, _ := r.Entry(b.ID)
	e.BeginRequest()
	if err := r.Remove(ctx, b.ID); !errors.Is(err, models.ErrConflict) {
		t.Errorf("removing with in-flight requests should conflict, got %v", err)
	}
	e.EndRequest()

	if err := r.Remove(ctx, b.ID); err != nil {
		t.Errorf("remove should succeed once disabled and idle: %v", err)
	}
	if _, err := r.Get(b.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	r.Register(ctx, models.BackendSpec{Host: "a", Port: 1, Type: "ollama"})
	r.Register(ctx, models.BackendSpec{Host: "b", Port: 2, Type: "vllm"})
	c, _ := r.Register(ctx, models.BackendSpec{Host: "c", Port: 3, Type: "ollama"})
	r.SetStatus(ctx, c.ID, models.StatusDraining)

	if got := len(r.List("", "")); got != 3 {
		t.Errorf("expected 3 backends, got %d", got)
	}
	if got := len(r.List("ollama", "")); got != 2 {
		t.Errorf("expected 2 ollama backends, got %d", got)
	}
	if got := len(r.List("", models.StatusDraining)); got != 1 {
		t.Errorf("expected 1 draining backend, got %d", got)
	}
	if got := len(r.List("vllm", models.StatusDraining)); got != 0 {
		t.Errorf("expected no draining vllm backends, got %d", got)
	}

	// Insertion order holds.
	all := r.List("", "")
	if all[0].Host != "a" || all[1].Host != "b" || all[2].Host != "c" {
		t.Errorf("unexpected order: %s %s %s", all[0].Host, all[1].Host, all[2].Host)
	}
}

func TestRestorePreservesStatusResetsHealth(t *testing.T) {
	r := New(nil)
	b := models.Backend{
		ID:      "restored-1",
		Host:    "gpu-9",
		Port:    11434,
		Type:    "ollama",
		Status:  models.StatusDraining,
		Health:  models.HealthHealthy,
		Created: time.Now().Add(-time.Hour),
	}
	if err := r.Restore(b); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	got, err := r.Get("restored-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.StatusDraining {
		t.Errorf("restore should preserve status, got %s", got.Status)
	}
	if got.Health != models.HealthUnknown {
		t.Errorf("restore should reset health to unknown, got %s", got.Health)
	}

	if err := r.Restore(b); !errors.Is(err, models.ErrDuplicateBackend) {
		t.Errorf("expected ErrDuplicateBackend on double restore, got %v", err)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	r := New(nil)
	b, _ := r.Register(context.Background(), models.BackendSpec{
		Host: "gpu-1", Port: 11434, Type: "ollama",
		Config: map[string]string{"k": "v"},
	})

	b.Config["k"] = "mutated"
	again, _ := r.Get(b.ID)
	if again.Config["k"] != "v" {
		t.Error("mutating a snapshot leaked into the registry")
	}
}

func TestHealthRoundTrip(t *testing.T) {
	r := New(nil)
	b, _ := r.Register(context.Background(), spec("gpu-1", 11434))

	state := models.HealthState{
		Verdict:     models.HealthUnhealthy,
		ConsecFails: 3,
		LastChecked: time.Now(),
		LastError:   "connection refused",
	}
	if err := r.SetHealth(b.ID, state); err != nil {
		t.Fatalf("set health failed: %v", err)
	}

	got, err := r.Health(b.ID)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if got.Verdict != models.HealthUnhealthy || got.ConsecFails != 3 {
		t.Errorf("unexpected health state: %+v", got)
	}

	if err := r.SetHealth("missing", state); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
