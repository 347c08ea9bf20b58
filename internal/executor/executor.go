// Package executor performs the actual inference call for a routed request:
// deadline enforcement, the single bounded retry on a different backend,
// streaming fragment forwarding and exactly-once outcome reporting.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aigoflow/inference-router/internal/backend"
	"github.com/aigoflow/inference-router/internal/metrics"
	"github.com/aigoflow/inference-router/internal/models"
	"github.com/aigoflow/inference-router/internal/registry"
	"github.com/aigoflow/inference-router/internal/routing"
)

// ClientSource resolves the upstream client for a backend.
type ClientSource interface {
	For(id, typ, addr string) (backend.Client, error)
}

// Config tunes per-request timeouts.
type Config struct {
	// RequestTimeout bounds a whole non-streaming call.
	RequestTimeout time.Duration
	// StreamIdleTimeout bounds the gap between consecutive fragments of a
	// streaming call. There is no total deadline: legitimate generations
	// may run long.
	StreamIdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:    60 * time.Second,
		StreamIdleTimeout: 30 * time.Second,
	}
}

// Executor is the single entry point for inference dispatch.
type Executor struct {
	router  *routing.Router
	clients ClientSource
	sink    metrics.Sink
	cfg     Config
}

func NewExecutor(router *routing.Router, clients ClientSource, sink metrics.Sink, cfg Config) *Executor {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = 30 * time.Second
	}
	return &Executor{router: router, clients: clients, sink: sink, cfg: cfg}
}

// errCallerAbort marks a send-callback failure: the caller stopped
// accepting fragments (disconnect). Never retried.
var errCallerAbort = errors.New("caller aborted delivery")

// Execute routes and runs one inference request. For streaming requests
// each fragment is forwarded to send as it arrives; for non-streaming
// requests send may be nil and the assembled text lands in the outcome.
//
// A validation failure returns an error and nothing is dispatched or
// recorded. Every dispatched (or dispatch-refused) request produces exactly
// one DispatchOutcome, reported to the metrics sink before returning, even
// when the caller has gone away.
func (x *Executor) Execute(ctx context.Context, req *models.InferenceRequest, send backend.SendFunc) (*models.DispatchOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ReqID == "" {
		req.ReqID = ulid.Make().String()
	}

	start := time.Now()
	meta := &models.RequestMeta{
		ReqID:   req.ReqID,
		TraceID: req.TraceID,
		Model:   req.Model,
		Caller:  req.Caller,
		Stream:  req.Stream,
		Start:   start,
	}

	outcome := x.run(ctx, req, send)
	outcome.ReqID = req.ReqID
	outcome.Latency = time.Since(start)
	outcome.Timestamp = time.Now()

	// Reported exactly once, whatever happened above.
	x.sink.Record(outcome, meta)
	return outcome, nil
}

func (x *Executor) run(ctx context.Context, req *models.InferenceRequest, send backend.SendFunc) *models.DispatchOutcome {
	first, err := x.router.Select(ctx, req)
	if err != nil {
		// No backend was ever tried.
		return &models.DispatchOutcome{
			Attempts: 0,
			Status:   models.OutcomeBackendUnavailable,
			Error:    err.Error(),
		}
	}

	outcome, retryable, attemptErr := x.attempt(ctx, req, first, send, 1)
	if attemptErr == nil || !retryable {
		return outcome
	}

	// One retry, on a distinct backend. The failed id is excluded from this
	// selection only; it stays eligible for future requests.
	second, selErr := x.router.SelectExcluding(ctx, req, first.ID())
	if selErr != nil {
		slog.Info("No backend for retry",
			"req_id", req.ReqID,
			"failed_backend", first.ID(),
			"error", selErr)
		outcome.Status = terminalStatus(attemptErr)
		return outcome
	}

	slog.Info("Retrying on different backend",
		"req_id", req.ReqID,
		"failed_backend", first.ID(),
		"retry_backend", second.ID())

	retryOutcome, _, retryErr := x.attempt(ctx, req, second, send, 2)
	if retryErr != nil && backend.Transient(retryErr) {
		// Second transient failure is terminal; no third attempt ever.
		retryOutcome.Status = terminalStatus(retryErr)
	}
	return retryOutcome
}

// attempt dispatches req to one backend. retryable is true only for
// transient failures with no fragment delivered yet.
func (x *Executor) attempt(ctx context.Context, req *models.InferenceRequest, e *registry.Entry, send backend.SendFunc, attemptNo int) (*models.DispatchOutcome, bool, error) {
	outcome := &models.DispatchOutcome{
		BackendID: e.ID(),
		Attempts:  attemptNo,
	}

	client, err := x.clients.For(e.ID(), e.Type(), e.Addr())
	if err != nil {
		outcome.Status = models.OutcomeBackendUnavailable
		outcome.Error = err.Error()
		return outcome, false, err
	}

	e.BeginRequest()
	defer e.EndRequest()

	callCtx, cancel, timedOut := x.deadline(ctx, req.Stream)
	defer cancel()

	var delivered atomic.Int64
	forward := func(frag models.Fragment) error {
		if timedOut != nil {
			timedOut.reset()
		}
		if send == nil {
			return nil
		}
		if err := send(frag); err != nil {
			return fmt.Errorf("%w: %v", errCallerAbort, err)
		}
		delivered.Add(1)
		return nil
	}

	chatReq := backend.ChatRequest{Model: req.Model, Messages: req.Messages, Options: req.Options}
	result, callErr := client.Chat(callCtx, chatReq, forward)

	if callErr == nil {
		outcome.Status = models.OutcomeSuccess
		outcome.TokensIn = result.Usage.TokensIn
		outcome.TokensOut = result.Usage.TokensOut
		if !req.Stream {
			outcome.Text = result.Text
		}
		return outcome, false, nil
	}

	switch {
	case errors.Is(callErr, errCallerAbort) || (ctx.Err() != nil && errors.Is(callErr, context.Canceled)):
		// The caller went away; partial output is not retried.
		outcome.Status = models.OutcomeCanceled
		outcome.Error = callErr.Error()
		return outcome, false, callErr

	case timedOut != nil && timedOut.fired() || errors.Is(callErr, context.DeadlineExceeded):
		outcome.Status = models.OutcomeTimeout
		outcome.Error = callErr.Error()
		return outcome, delivered.Load() == 0, context.DeadlineExceeded

	case backend.Transient(callErr):
		outcome.Status = models.OutcomeBackendUnavailable
		outcome.Error = callErr.Error()
		// Retry only if the caller has seen nothing yet.
		return outcome, delivered.Load() == 0, callErr

	default:
		// Backend answered and rejected the request.
		outcome.Status = models.OutcomeUpstreamError
		outcome.Error = callErr.Error()
		return outcome, false, callErr
	}
}

// deadline builds the per-attempt call context. Non-streaming calls get an
// absolute deadline; streaming calls get an idle watchdog that fires when
// the gap between fragments exceeds StreamIdleTimeout.
func (x *Executor) deadline(ctx context.Context, stream bool) (context.Context, context.CancelFunc, *idleWatchdog) {
	if !stream {
		callCtx, cancel := context.WithTimeout(ctx, x.cfg.RequestTimeout)
		return callCtx, cancel, nil
	}
	callCtx, cancel := context.WithCancel(ctx)
	w := newIdleWatchdog(x.cfg.StreamIdleTimeout, cancel)
	return callCtx, func() { w.stop(); cancel() }, w
}

// idleWatchdog cancels a streaming call when no fragment arrives for the
// configured window.
type idleWatchdog struct {
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleWatchdog(timeout time.Duration, cancel context.CancelFunc) *idleWatchdog {
	w := &idleWatchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.expired.Store(true)
		cancel()
	})
	return w
}

func (w *idleWatchdog) reset() {
	if !w.expired.Load() {
		w.timer.Reset(w.timeout)
	}
}

func (w *idleWatchdog) stop() { w.timer.Stop() }

func (w *idleWatchdog) fired() bool { return w.expired.Load() }

// terminalStatus maps a first-attempt failure with no retry slot left to
// the outcome surfaced to the caller.
func terminalStatus(err error) models.OutcomeStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeTimeout
	}
	return models.OutcomeBackendUnavailable
}
