package models

import "time"

// BackendStatus is the administrative status of a backend.
type BackendStatus string

const (
	StatusActive   BackendStatus = "active"
	StatusDraining BackendStatus = "draining" // no new dispatch, in-flight finishes
	StatusDisabled BackendStatus = "disabled"
)

// HealthVerdict is the probe-derived availability of a backend.
type HealthVerdict string

const (
	HealthHealthy   HealthVerdict = "healthy"
	HealthUnhealthy HealthVerdict = "unhealthy"
	HealthUnknown   HealthVerdict = "unknown" // not yet probed, dispatchable
)

// BackendSpec is the registration input for a new backend.
type BackendSpec struct {
	Host   string            `json:"host"`
	Port   int               `json:"port"`
	Type   string            `json:"type"` // e.g. "ollama", "vllm"
	Config map[string]string `json:"config,omitempty"`
}

// Backend is a registered inference-serving instance. Instances handed out
// by the registry are snapshots; mutating them has no effect on registry state.
type Backend struct {
	ID           string            `json:"id"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Type         string            `json:"type"`
	Status       BackendStatus     `json:"status"`
	Health       HealthVerdict     `json:"health"`
	LastChecked  time.Time         `json:"last_checked,omitempty"`
	LastDispatch time.Time         `json:"last_dispatch,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
	Created      time.Time         `json:"created"`
}

// HealthState is the probe bookkeeping for one backend. The health monitor
// is the only writer; readers get immutable snapshots.
type HealthState struct {
	Verdict      HealthVerdict `json:"verdict"`
	ConsecFails  int           `json:"consecutive_failures"`
	LastSuccess  time.Time     `json:"last_success,omitempty"`
	LastFailure  time.Time     `json:"last_failure,omitempty"`
	LastChecked  time.Time     `json:"last_checked,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Dispatchable reports whether the verdict permits new dispatch.
func (v HealthVerdict) Dispatchable() bool {
	return v == HealthHealthy || v == HealthUnknown
}

// ValidStatus reports whether s is a recognized backend status.
func ValidStatus(s BackendStatus) bool {
	switch s {
	case StatusActive, StatusDraining, StatusDisabled:
		return true
	}
	return false
}
