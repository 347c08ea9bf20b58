// Package routing selects a backend for each inference request: explicit-id
// requests are checked for eligibility, everything else goes through a
// model-aware least-recently-dispatched policy.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aigoflow/inference-router/internal/backend"
	"github.com/aigoflow/inference-router/internal/models"
	"github.com/aigoflow/inference-router/internal/registry"
)

// ClientSource resolves the upstream client for a backend.
type ClientSource interface {
	For(id, typ, addr string) (backend.Client, error)
}

// Config tunes the router.
type Config struct {
	ModelListTTL     time.Duration // how long a cached per-backend model list stays fresh
	ModelListTimeout time.Duration // deadline for one lazy model-list refresh
}

func DefaultConfig() Config {
	return Config{
		ModelListTTL:     60 * time.Second,
		ModelListTimeout: 3 * time.Second,
	}
}

// Router picks a backend per request. Selection and the LRU stamp happen
// under one lock so two concurrent dispatches can never both observe the
// same least-recently-used backend; the lock is only ever held for
// in-memory work, all network I/O (model-list refresh) happens before it.
type Router struct {
	reg     *registry.Registry
	clients ClientSource
	cfg     Config

	selMu sync.Mutex
	seq   int64

	modelCache sync.Map // backend id -> *modelListEntry
}

type modelListEntry struct {
	mu      sync.Mutex
	names   map[string]bool
	fetched time.Time
}

func NewRouter(reg *registry.Registry, clients ClientSource, cfg Config) *Router {
	if cfg.ModelListTTL <= 0 {
		cfg.ModelListTTL = 60 * time.Second
	}
	if cfg.ModelListTimeout <= 0 {
		cfg.ModelListTimeout = 3 * time.Second
	}
	return &Router{reg: reg, clients: clients, cfg: cfg}
}

// Select resolves the backend for req and stamps it as dispatched.
func (r *Router) Select(ctx context.Context, req *models.InferenceRequest) (*registry.Entry, error) {
	return r.SelectExcluding(ctx, req, "")
}

// SelectExcluding is Select with one backend id excluded, used for the
// single retry after a transient failure.
func (r *Router) SelectExcluding(ctx context.Context, req *models.InferenceRequest, excludeID string) (*registry.Entry, error) {
	if req.BackendID != "" {
		// A pinned request has nowhere else to go once its backend failed.
		if req.BackendID == excludeID {
			return nil, fmt.Errorf("%w: backend %s already failed this request", models.ErrBackendUnavailable, excludeID)
		}
		return r.selectExplicit(req.BackendID)
	}

	candidates := r.candidates(excludeID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no active healthy backend registered", models.ErrNoBackendAvailable)
	}

	// Model-list lookups may hit the network; do them before locking.
	declaring := make(map[string]bool, len(candidates))
	for _, e := range candidates {
		if r.declaresModel(ctx, e, req.Model) {
			declaring[e.ID()] = true
		}
	}

	r.selMu.Lock()
	defer r.selMu.Unlock()

	pool := candidates
	if len(declaring) > 0 {
		pref := make([]*registry.Entry, 0, len(declaring))
		for _, e := range candidates {
			if declaring[e.ID()] {
				pref = append(pref, e)
			}
		}
		pool = pref
	}

	// Oldest dispatch stamp wins; zero means never dispatched.
	chosen := pool[0]
	for _, e := range pool[1:] {
		if e.DispatchSeq() < chosen.DispatchSeq() {
			chosen = e
		}
	}
	r.seq++
	chosen.MarkDispatched(r.seq, time.Now())

	slog.Debug("Backend selected",
		"req_id", req.ReqID,
		"backend_id", chosen.ID(),
		"model_declared", declaring[chosen.ID()],
		"candidates", len(candidates))
	return chosen, nil
}

func (r *Router) selectExplicit(id string) (*registry.Entry, error) {
	e, err := r.reg.Entry(id)
	if err != nil {
		return nil, err
	}
	if e.Status() != models.StatusActive {
		return nil, fmt.Errorf("%w: backend %s is %s", models.ErrBackendUnavailable, id, e.Status())
	}
	if v := e.Health().Verdict; !v.Dispatchable() {
		return nil, fmt.Errorf("%w: backend %s is %s", models.ErrBackendUnavailable, id, v)
	}

	r.selMu.Lock()
	r.seq++
	e.MarkDispatched(r.seq, time.Now())
	r.selMu.Unlock()
	return e, nil
}

func (r *Router) candidates(excludeID string) []*registry.Entry {
	var out []*registry.Entry
	for _, e := range r.reg.Entries() {
		if e.ID() == excludeID {
			continue
		}
		if e.Status() != models.StatusActive {
			continue
		}
		if !e.Health().Verdict.Dispatchable() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// declaresModel reports whether the backend's cached model list contains
// model, refreshing the cache lazily when stale. Refresh failures degrade to
// "doesn't declare it" rather than failing dispatch. The cache mutex is
// never held across the network fetch; a concurrent refresh that publishes
// first wins and the slower result is discarded.
func (r *Router) declaresModel(ctx context.Context, e *registry.Entry, model string) bool {
	entryAny, _ := r.modelCache.LoadOrStore(e.ID(), &modelListEntry{})
	cached := entryAny.(*modelListEntry)

	cached.mu.Lock()
	names := cached.names
	fetched := cached.fetched
	cached.mu.Unlock()

	if time.Since(fetched) <= r.cfg.ModelListTTL {
		return names[model]
	}

	client, err := r.clients.For(e.ID(), e.Type(), e.Addr())
	if err != nil {
		return names[model]
	}
	listCtx, cancel := context.WithTimeout(ctx, r.cfg.ModelListTimeout)
	fresh, listErr := client.ListModels(listCtx)
	cancel()

	cached.mu.Lock()
	defer cached.mu.Unlock()

	if cached.fetched.After(fetched) {
		// Another selection already published a fresher list.
		return cached.names[model]
	}
	if listErr != nil {
		slog.Debug("Model list refresh failed", "backend_id", e.ID(), "error", listErr)
		// Keep the stale list, retry at half TTL.
		cached.fetched = time.Now().Add(-r.cfg.ModelListTTL / 2)
		return cached.names[model]
	}
	set := make(map[string]bool, len(fresh))
	for _, n := range fresh {
		set[n] = true
	}
	cached.names = set
	cached.fetched = time.Now()
	return set[model]
}

// InvalidateModels drops the cached model list for a backend, forcing a
// refresh on the next selection.
func (r *Router) InvalidateModels(id string) {
	r.modelCache.Delete(id)
}
