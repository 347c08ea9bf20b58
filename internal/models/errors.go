package models

import "errors"

// Error taxonomy for the routing core. These are expected conditions and
// travel as values; callers classify with errors.Is.
var (
	// ErrInvalidSpec rejects a bad backend registration (empty host,
	// port out of range, unknown type). Caller error, never retried.
	ErrInvalidSpec = errors.New("invalid backend spec")

	// ErrDuplicateBackend rejects registration of a (host, port) pair that
	// an active backend already owns.
	ErrDuplicateBackend = errors.New("duplicate backend")

	// ErrNotFound means the referenced backend id is unknown.
	ErrNotFound = errors.New("backend not found")

	// ErrConflict rejects removal of a backend that is not disabled or
	// still has in-flight requests.
	ErrConflict = errors.New("backend removal conflict")

	// ErrBackendUnavailable means an explicitly requested backend exists
	// but cannot take new dispatch (disabled, draining or unhealthy).
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrNoBackendAvailable means no registered backend passed the
	// dispatch filter.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrInvalidRequest rejects a malformed inference request.
	ErrInvalidRequest = errors.New("invalid inference request")

	// ErrUpstream means the backend responded but rejected the request
	// (e.g. unknown model). Never retried.
	ErrUpstream = errors.New("upstream error")

	// ErrTransient marks connection-level and 5xx-style failures that are
	// eligible for the single bounded retry on a different backend.
	ErrTransient = errors.New("transient backend failure")
)
