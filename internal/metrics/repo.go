package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aigoflow/inference-router/internal/models"
	"github.com/aigoflow/inference-router/internal/repository"
)

// RepoSink persists outcomes through the repository layer. Wrap it in an
// AsyncSink so the sqlite write never sits on the request path.
type RepoSink struct {
	repo repository.Repository
}

func NewRepoSink(repo repository.Repository) *RepoSink {
	return &RepoSink{repo: repo}
}

func (s *RepoSink) Record(outcome *models.DispatchOutcome, meta *models.RequestMeta) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.Outcome().LogOutcome(ctx, outcome, meta); err != nil {
		slog.Warn("Failed to persist outcome", "req_id", outcome.ReqID, "error", err)
	}
}
