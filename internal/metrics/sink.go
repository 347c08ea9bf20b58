// Package metrics carries dispatch outcomes out of the request path.
// Recording is fire-and-forget: a sink failure is logged and never surfaces
// to the caller that produced the outcome.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aigoflow/inference-router/internal/models"
)

// Sink receives one record per completed inference request.
type Sink interface {
	Record(outcome *models.DispatchOutcome, meta *models.RequestMeta)
}

// MultiSink fans a record out to several sinks.
type MultiSink []Sink

func (m MultiSink) Record(outcome *models.DispatchOutcome, meta *models.RequestMeta) {
	for _, s := range m {
		s.Record(outcome, meta)
	}
}

// LogSink writes outcomes to the structured log. Used as the always-on
// baseline sink.
type LogSink struct{}

func (LogSink) Record(outcome *models.DispatchOutcome, meta *models.RequestMeta) {
	if outcome.Failed() {
		slog.Warn("Dispatch outcome",
			"req_id", outcome.ReqID,
			"backend_id", outcome.BackendID,
			"model", meta.Model,
			"status", outcome.Status,
			"attempts", outcome.Attempts,
			"latency_ms", outcome.Latency.Milliseconds(),
			"error", outcome.Error)
		return
	}
	slog.Info("Dispatch outcome",
		"req_id", outcome.ReqID,
		"backend_id", outcome.BackendID,
		"model", meta.Model,
		"status", outcome.Status,
		"attempts", outcome.Attempts,
		"latency_ms", outcome.Latency.Milliseconds(),
		"tokens_in", outcome.TokensIn,
		"tokens_out", outcome.TokensOut)
}

// AsyncSink decouples recording from the request path with a bounded queue
// and a single drain goroutine. When the queue is full the record is
// dropped and counted; the request path never blocks on a slow sink.
type AsyncSink struct {
	inner Sink
	queue chan record
}

type record struct {
	outcome models.DispatchOutcome
	meta    models.RequestMeta
}

func NewAsyncSink(inner Sink, depth int) *AsyncSink {
	if depth <= 0 {
		depth = 1024
	}
	return &AsyncSink{
		inner: inner,
		queue: make(chan record, depth),
	}
}

// Start launches the drain loop.
func (a *AsyncSink) Start(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				// Drain what is already queued before exiting.
				for {
					select {
					case rec := <-a.queue:
						a.inner.Record(&rec.outcome, &rec.meta)
					default:
						return
					}
				}
			case rec := <-a.queue:
				a.inner.Record(&rec.outcome, &rec.meta)
			}
		}
	}()
	return nil
}

func (a *AsyncSink) Record(outcome *models.DispatchOutcome, meta *models.RequestMeta) {
	rec := record{outcome: *outcome, meta: *meta}
	select {
	case a.queue <- rec:
	case <-time.After(10 * time.Millisecond):
		slog.Warn("Metrics queue full, outcome dropped",
			"req_id", outcome.ReqID,
			"status", outcome.Status)
	}
}
