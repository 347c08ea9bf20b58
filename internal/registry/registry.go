package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/inference-router/internal/models"
)

// Mirror receives registry mutations for durable storage. The in-memory
// registry stays authoritative; mirror failures are logged, never surfaced.
type Mirror interface {
	SaveBackend(ctx context.Context, b *models.Backend) error
	DeleteBackend(ctx context.Context, id string) error
}

// Registry is the authoritative runtime view of known inference backends.
// Reads vastly outnumber writes: the map is guarded by a RWMutex, while the
// hot per-entry fields (health, dispatch stamp, in-flight count) are atomics
// so the router and executor never block each other on them.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []*Entry // insertion order, for List
	mirror  Mirror
}

// Entry is the live registry record for one backend. Callers outside this
// package read through its accessor methods; Snapshot returns a detached copy.
type Entry struct {
	id      string
	host    string
	port    int
	typ     string
	config  map[string]string
	created time.Time

	status       atomic.Pointer[models.BackendStatus]
	health       atomic.Pointer[models.HealthState]
	dispatchSeq  atomic.Int64 // strict LRU order, stamped under the router's selection lock
	dispatchUnix atomic.Int64 // wall-clock of last dispatch, reporting only
	inflight     atomic.Int64
}

func New(mirror Mirror) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		mirror:  mirror,
	}
}

// Register validates the spec and adds a new backend with status active and
// health unknown.
func (r *Registry) Register(ctx context.Context, spec models.BackendSpec) (models.Backend, error) {
	if spec.Host == "" {
		return models.Backend{}, fmt.Errorf("%w: host is required", models.ErrInvalidSpec)
	}
	if spec.Port < 1 || spec.Port > 65535 {
		return models.Backend{}, fmt.Errorf("%w: port %d out of range [1,65535]", models.ErrInvalidSpec, spec.Port)
	}
	if spec.Type == "" {
		return models.Backend{}, fmt.Errorf("%w: type is required", models.ErrInvalidSpec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.order {
		if e.host == spec.Host && e.port == spec.Port && e.Status() != models.StatusDisabled {
			return models.Backend{}, fmt.Errorf("%w: %s:%d already registered as %s",
				models.ErrDuplicateBackend, spec.Host, spec.Port, e.id)
		}
	}

	e := newEntry(ulid.Make().String(), spec, time.Now())
	r.entries[e.id] = e
	r.order = append(r.order, e)

	b := e.Snapshot()
	r.mirrorSave(ctx, &b)
	slog.Info("Backend registered", "backend_id", e.id, "addr", e.Addr(), "type", e.typ)
	return b, nil
}

// Restore re-adds a backend loaded from durable storage at process start,
// preserving its id and status. Health always restarts as unknown.
func (r *Registry) Restore(b models.Backend) error {
	if b.ID == "" || b.Host == "" || b.Port < 1 || b.Port > 65535 {
		return fmt.Errorf("%w: corrupt stored backend %q", models.ErrInvalidSpec, b.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[b.ID]; exists {
		return fmt.Errorf("%w: id %s already present", models.ErrDuplicateBackend, b.ID)
	}
	e := newEntry(b.ID, models.BackendSpec{Host: b.Host, Port: b.Port, Type: b.Type, Config: b.Config}, b.Created)
	status := b.Status
	if !models.ValidStatus(status) {
		status = models.StatusActive
	}
	e.status.Store(&status)
	r.entries[e.id] = e
	r.order = append(r.order, e)
	return nil
}

// Get returns a snapshot of the backend with the given id.
func (r *Registry) Get(id string) (models.Backend, error) {
	e, err := r.Entry(id)
	if err != nil {
		return models.Backend{}, err
	}
	return e.Snapshot(), nil
}

// Entry returns the live entry for id, for callers that need the atomics
// (router selection, executor in-flight accounting).
func (r *Registry) Entry(id string) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	return e, nil
}

// List returns snapshots in insertion order, optionally filtered by type
// and/or status (empty filter matches everything).
func (r *Registry) List(filterType string, filterStatus models.BackendStatus) []models.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Backend, 0, len(r.order))
	for _, e := range r.order {
		if filterType != "" && e.typ != filterType {
			continue
		}
		if filterStatus != "" && e.Status() != filterStatus {
			continue
		}
		out = append(out, e.Snapshot())
	}
	return out
}

// Entries returns the live entries in insertion order. Used by the router
// and the health monitor.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, len(r.order))
	copy(out, r.order)
	return out
}

// SetStatus transitions the administrative status of a backend.
func (r *Registry) SetStatus(ctx context.Context, id string, status models.BackendStatus) (models.Backend, error) {
	if !models.ValidStatus(status) {
		return models.Backend{}, fmt.Errorf("%w: unknown status %q", models.ErrInvalidSpec, status)
	}
	e, err := r.Entry(id)
	if err != nil {
		return models.Backend{}, err
	}
	e.status.Store(&status)

	b := e.Snapshot()
	r.mirrorSave(ctx, &b)
	slog.Info("Backend status changed", "backend_id", id, "status", status)
	return b, nil
}

// Remove deletes a backend. Only disabled backends with no in-flight
// requests can be removed; anything else is a conflict.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if e.Status() != models.StatusDisabled {
		return fmt.Errorf("%w: backend %s is %s, disable it first", models.ErrConflict, id, e.Status())
	}
	if n := e.inflight.Load(); n > 0 {
		return fmt.Errorf("%w: backend %s has %d in-flight requests", models.ErrConflict, id, n)
	}

	delete(r.entries, id)
	for i, o := range r.order {
		if o == e {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.mirror != nil {
		if err := r.mirror.DeleteBackend(ctx, id); err != nil {
			slog.Warn("Failed to mirror backend removal", "backend_id", id, "error", err)
		}
	}
	slog.Info("Backend removed", "backend_id", id)
	return nil
}

// SetHealth publishes a new health snapshot for a backend. The health
// monitor is the only caller.
func (r *Registry) SetHealth(id string, state models.HealthState) error {
	e, err := r.Entry(id)
	if err != nil {
		return err
	}
	s := state
	e.health.Store(&s)
	return nil
}

// Health returns the current health snapshot for a backend.
func (r *Registry) Health(id string) (models.HealthState, error) {
	e, err := r.Entry(id)
	if err != nil {
		return models.HealthState{}, err
	}
	return e.Health(), nil
}

func (r *Registry) mirrorSave(ctx context.Context, b *models.Backend) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.SaveBackend(ctx, b); err != nil {
		slog.Warn("Failed to mirror backend", "backend_id", b.ID, "error", err)
	}
}

func newEntry(id string, spec models.BackendSpec, created time.Time) *Entry {
	cfg := make(map[string]string, len(spec.Config))
	for k, v := range spec.Config {
		cfg[k] = v
	}
	e := &Entry{
		id:      id,
		host:    spec.Host,
		port:    spec.Port,
		typ:     spec.Type,
		config:  cfg,
		created: created,
	}
	status := models.StatusActive
	e.status.Store(&status)
	e.health.Store(&models.HealthState{Verdict: models.HealthUnknown})
	return e
}

func (e *Entry) ID() string   { return e.id }
func (e *Entry) Type() string { return e.typ }

// Addr returns the network address as host:port.
func (e *Entry) Addr() string {
	return fmt.Sprintf("%s:%d", e.host, e.port)
}

func (e *Entry) Status() models.BackendStatus {
	return *e.status.Load()
}

func (e *Entry) Health() models.HealthState {
	return *e.health.Load()
}

// DispatchSeq returns the LRU stamp of the most recent dispatch (0 = never).
func (e *Entry) DispatchSeq() int64 {
	return e.dispatchSeq.Load()
}

// MarkDispatched records a dispatch stamp. Must be called while holding the
// router's selection lock so concurrent selections observe a fresh value.
func (e *Entry) MarkDispatched(seq int64, at time.Time) {
	e.dispatchSeq.Store(seq)
	e.dispatchUnix.Store(at.UnixNano())
}

// BeginRequest and EndRequest bracket an in-flight dispatch so removal can
// be refused while the backend is referenced.
func (e *Entry) BeginRequest() { e.inflight.Add(1) }
func (e *Entry) EndRequest()   { e.inflight.Add(-1) }

// Inflight returns the number of requests currently dispatched to e.
func (e *Entry) Inflight() int64 { return e.inflight.Load() }

// Snapshot returns a detached copy safe to hand across package boundaries.
func (e *Entry) Snapshot() models.Backend {
	hs := e.Health()
	cfg := make(map[string]string, len(e.config))
	for k, v := range e.config {
		cfg[k] = v
	}
	b := models.Backend{
		ID:          e.id,
		Host:        e.host,
		Port:        e.port,
		Type:        e.typ,
		Status:      e.Status(),
		Health:      hs.Verdict,
		LastChecked: hs.LastChecked,
		Config:      cfg,
		Created:     e.created,
	}
	if ns := e.dispatchUnix.Load(); ns > 0 {
		b.LastDispatch = time.Unix(0, ns)
	}
	return b
}
