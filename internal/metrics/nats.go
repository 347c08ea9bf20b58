package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/inference-router/internal/models"
)

// NATSSink publishes outcomes to a NATS subject per model so external
// consumers (the monitor CLI, persistence workers) can subscribe without
// touching the router.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// Response bodies stay out of the event stream; only dispatch metadata
// is published.
type outcomeEvent struct {
	ReqID     string               `json:"req_id"`
	BackendID string               `json:"backend_id,omitempty"`
	Model     string               `json:"model"`
	Caller    string               `json:"caller,omitempty"`
	Stream    bool                 `json:"stream"`
	Attempts  int                  `json:"attempts"`
	Status    models.OutcomeStatus `json:"status"`
	LatencyMs float64              `json:"latency_ms"`
	TokensIn  int                  `json:"tokens_in,omitempty"`
	TokensOut int                  `json:"tokens_out,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "routing.outcome"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

func (s *NATSSink) Record(outcome *models.DispatchOutcome, meta *models.RequestMeta) {
	event := outcomeEvent{
		ReqID:     outcome.ReqID,
		BackendID: outcome.BackendID,
		Model:     meta.Model,
		Caller:    meta.Caller,
		Stream:    meta.Stream,
		Attempts:  outcome.Attempts,
		Status:    outcome.Status,
		LatencyMs: float64(outcome.Latency.Microseconds()) / 1000.0,
		TokensIn:  outcome.TokensIn,
		TokensOut: outcome.TokensOut,
		Error:     outcome.Error,
	}

	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal outcome event", "req_id", outcome.ReqID, "error", err)
		return
	}
	topic := fmt.Sprintf("%s.%s", s.prefix, meta.Model)
	if err := s.conn.Publish(topic, data); err != nil {
		slog.Warn("Failed to publish outcome event", "req_id", outcome.ReqID, "topic", topic, "error", err)
	}
}
