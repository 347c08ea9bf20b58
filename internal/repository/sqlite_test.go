package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aigoflow/inference-router/internal/models"
	"github.com/aigoflow/inference-router/internal/store"
)

func testRepo(t *testing.T) Repository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db)
}

func TestBackendMirrorRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	b := models.Backend{
		ID:      "b-1",
		Host:    "gpu-1",
		Port:    11434,
		Type:    "ollama",
		Status:  models.StatusActive,
		Config:  map[string]string{"gpu": "a100"},
		Created: time.Now().Truncate(time.Second),
	}
	if err := repo.Backend().SaveBackend(ctx, &b); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.Backend().ListBackends(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 backend, got %d", len(got))
	}
	if got[0].ID != "b-1" || got[0].Host != "gpu-1" || got[0].Port != 11434 {
		t.Errorf("unexpected backend: %+v", got[0])
	}
	if got[0].Config["gpu"] != "a100" {
		t.Errorf("config lost: %+v", got[0].Config)
	}
	if got[0].Health != models.HealthUnknown {
		t.Errorf("restored health must be unknown, got %s", got[0].Health)
	}

	// Saving the same id updates in place.
	b.Status = models.StatusDisabled
	if err := repo.Backend().SaveBackend(ctx, &b); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, _ = repo.Backend().ListBackends(ctx)
	if len(got) != 1 || got[0].Status != models.StatusDisabled {
		t.Errorf("upsert failed: %+v", got)
	}

	if err := repo.Backend().DeleteBackend(ctx, "b-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, _ = repo.Backend().ListBackends(ctx)
	if len(got) != 0 {
		t.Errorf("expected empty list after delete, got %d", len(got))
	}
}

func TestOutcomeLogRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for i, status := range []models.OutcomeStatus{models.OutcomeSuccess, models.OutcomeTimeout} {
		outcome := &models.DispatchOutcome{
			ReqID:     "req-" + string(rune('a'+i)),
			BackendID: "b-1",
			Attempts:  1,
			Status:    status,
			Latency:   1500 * time.Millisecond,
			TokensIn:  10,
			TokensOut: 20,
			Timestamp: time.Now(),
		}
		meta := &models.RequestMeta{
			ReqID:  outcome.ReqID,
			Model:  "llama3:8b",
			Caller: "test",
			Stream: i == 1,
		}
		if err := repo.Outcome().LogOutcome(ctx, outcome, meta); err != nil {
			t.Fatalf("log failed: %v", err)
		}
	}

	logs, err := repo.Outcome().GetOutcomes(ctx, 10)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(logs))
	}
	// Most recent first.
	if logs[0].Status != models.OutcomeTimeout || !logs[0].Stream {
		t.Errorf("unexpected first row: %+v", logs[0])
	}
	if logs[1].Model != "llama3:8b" || logs[1].LatencyMs != 1500 {
		t.Errorf("unexpected second row: %+v", logs[1])
	}
}

func TestGetOutcomesHonorsLimit(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		repo.Outcome().LogOutcome(ctx, &models.DispatchOutcome{
			ReqID:     "r",
			Status:    models.OutcomeSuccess,
			Timestamp: time.Now(),
		}, &models.RequestMeta{Model: "m"})
	}

	logs, err := repo.Outcome().GetOutcomes(ctx, 3)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("expected 3 rows, got %d", len(logs))
	}
}
