package models

import "time"

// OutcomeStatus is the terminal classification of one inference request.
type OutcomeStatus string

const (
	OutcomeSuccess            OutcomeStatus = "success"
	OutcomeBackendUnavailable OutcomeStatus = "backend_unavailable"
	OutcomeTimeout            OutcomeStatus = "timeout"
	OutcomeUpstreamError      OutcomeStatus = "upstream_error"
	OutcomeCanceled           OutcomeStatus = "canceled"
)

// DispatchOutcome is produced exactly once per InferenceRequest and handed
// to the metrics sink. The core discards it afterwards; persistence is the
// sink's problem.
type DispatchOutcome struct {
	ReqID      string        `json:"req_id"`
	BackendID  string        `json:"backend_id,omitempty"` // empty when no backend was ever tried
	Attempts   int           `json:"attempts"`             // 0, 1 or 2
	Status     OutcomeStatus `json:"status"`
	Latency    time.Duration `json:"latency"`
	TokensIn   int           `json:"tokens_in,omitempty"`
	TokensOut  int           `json:"tokens_out,omitempty"`
	Text       string        `json:"text,omitempty"` // assembled response, non-streaming only
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"ts"`
}

// Failed reports whether the outcome is a failure of any kind.
func (o *DispatchOutcome) Failed() bool {
	return o.Status != OutcomeSuccess
}

// OutcomeLog is a persisted dispatch outcome row.
type OutcomeLog struct {
	Timestamp time.Time     `json:"ts"`
	ReqID     string        `json:"req_id"`
	TraceID   string        `json:"trace_id,omitempty"`
	BackendID string        `json:"backend_id,omitempty"`
	Model     string        `json:"model"`
	Caller    string        `json:"caller,omitempty"`
	Stream    bool          `json:"stream"`
	Attempts  int           `json:"attempts"`
	Status    OutcomeStatus `json:"status"`
	LatencyMs float64       `json:"latency_ms"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	Error     string        `json:"error,omitempty"`
}
