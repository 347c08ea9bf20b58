package repository

import (
	"context"

	"github.com/aigoflow/inference-router/internal/models"
)

// Repository aggregates all repository interfaces
type Repository interface {
	Backend() BackendRepositoryInterface
	Outcome() OutcomeRepositoryInterface
	Event() EventRepositoryInterface
}

// BackendRepositoryInterface mirrors the runtime registry to durable storage
type BackendRepositoryInterface interface {
	SaveBackend(ctx context.Context, b *models.Backend) error
	DeleteBackend(ctx context.Context, id string) error
	ListBackends(ctx context.Context) ([]models.Backend, error)
}

// OutcomeRepositoryInterface defines dispatch outcome logging operations
type OutcomeRepositoryInterface interface {
	LogOutcome(ctx context.Context, outcome *models.DispatchOutcome, meta *models.RequestMeta) error
	GetOutcomes(ctx context.Context, limit int) ([]*models.OutcomeLog, error)
}

// EventRepositoryInterface defines event logging operations
type EventRepositoryInterface interface {
	LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error
}
