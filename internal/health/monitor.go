// Package health runs the periodic liveness probing of registered backends
// and owns their health state. It is the single writer; the router and the
// admin surface only read published snapshots.
package health

import (
	"context"
	"log/slog"
	"math/rand"
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

// Config tunes the probe cycle.
type Config struct {
	Interval      time.Duration // base probe interval
	Jitter        time.Duration // random extra delay per cycle, anti-thundering-herd
	ProbeTimeout  time.Duration // per-probe deadline, distinct from request timeouts
	FailThreshold int           // consecutive failures before a backend flips unhealthy
}

func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		Jitter:        5 * time.Second,
		ProbeTimeout:  5 * time.Second,
		FailThreshold: 3,
	}
}

// Monitor probes each active or draining backend on a jittered interval.
// Probes for different backends run concurrently, each under its own
// deadline, so one hung backend never delays the rest of the cycle.
type Monitor struct {
	reg     *registry.Registry
	clients ClientSource
	cfg     Config

	// per-backend lock serializing result publication between the
	// interval loop and ProbeNow; never held across network I/O
	locks sync.Map // backend id -> *sync.Mutex
}

func NewMonitor(reg *registry.Registry, clients ClientSource, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	return &Monitor{reg: reg, clients: clients, cfg: cfg}
}

// Start launches the probe loop and returns immediately.
func (m *Monitor) Start(ctx context.Context) error {
	slog.Info("Health monitor starting",
		"interval", m.cfg.Interval,
		"probe_timeout", m.cfg.ProbeTimeout,
		"fail_threshold", m.cfg.FailThreshold)
	go m.loop(ctx)
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	for {
		delay := m.cfg.Interval
		if m.cfg.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(m.cfg.Jitter)))
		}
		select {
		case <-ctx.Done():
			slog.Info("Health monitor shutting down")
			return
		case <-time.After(delay):
		}
		m.probeCycle(ctx)
	}
}

func (m *Monitor) probeCycle(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range m.reg.Entries() {
		switch e.Status() {
		case models.StatusActive, models.StatusDraining:
		default:
			continue
		}
		wg.Add(1)
		go func(e *registry.Entry) {
			defer wg.Done()
			m.probeOne(ctx, e)
		}(e)
	}
	wg.Wait()
}

// ProbeNow probes a single backend immediately, bypassing the interval, and
// returns the resulting health state.
func (m *Monitor) ProbeNow(ctx context.Context, id string) (models.HealthState, error) {
	e, err := m.reg.Entry(id)
	if err != nil {
		return models.HealthState{}, err
	}
	m.probeOne(ctx, e)
	return e.Health(), nil
}

// CurrentHealth is a pure read of the published health snapshot.
func (m *Monitor) CurrentHealth(id string) (models.HealthState, error) {
	return m.reg.Health(id)
}

func (m *Monitor) probeOne(ctx context.Context, e *registry.Entry) {
	client, err := m.clients.For(e.ID(), e.Type(), e.Addr())
	if err != nil {
		slog.Error("No client for backend, marking probe failed", "backend_id", e.ID(), "error", err)
		m.recordResult(e, time.Now(), err)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err = client.Probe(probeCtx)
	cancel()
	m.recordResult(e, time.Now(), err)
}

// recordResult applies the consecutive-failure policy and publishes the new
// snapshot. Serialized per backend so an on-demand probe can't interleave
// with the interval loop.
func (m *Monitor) recordResult(e *registry.Entry, at time.Time, probeErr error) {
	lockAny, _ := m.locks.LoadOrStore(e.ID(), &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	prev := e.Health()
	next := prev
	next.LastChecked = at

	if probeErr == nil {
		next.Verdict = models.HealthHealthy
		next.ConsecFails = 0
		next.LastSuccess = at
		next.LastError = ""
	} else {
		next.ConsecFails = prev.ConsecFails + 1
		next.LastFailure = at
		next.LastError = probeErr.Error()
		// Single blips don't flip state; only a run of failures does.
		if next.ConsecFails >= m.cfg.FailThreshold {
			next.Verdict = models.HealthUnhealthy
		}
	}

	if err := m.reg.SetHealth(e.ID(), next); err != nil {
		// Backend was removed mid-probe; nothing to publish.
		return
	}

	if next.Verdict != prev.Verdict {
		slog.Info("Backend health changed",
			"backend_id", e.ID(),
			"addr", e.Addr(),
			"from", prev.Verdict,
			"to", next.Verdict,
			"consecutive_failures", next.ConsecFails)
	} else if probeErr != nil {
		slog.Debug("Backend probe failed",
			"backend_id", e.ID(),
			"consecutive_failures", next.ConsecFails,
			"error", probeErr)
	}
}
