package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aigoflow/inference-router/internal/models"
)

// PromSink exports dispatch outcomes as Prometheus metrics, served on the
// HTTP adapter's /metrics endpoint.
type PromSink struct {
	requests *prometheus.CounterVec
	retries  prometheus.Counter
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

func NewPromSink(reg prometheus.Registerer) *PromSink {
	factory := promauto.With(reg)
	return &PromSink{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inference_router",
			Name:      "requests_total",
			Help:      "Dispatch outcomes by backend and terminal status.",
		}, []string{"backend", "status"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inference_router",
			Name:      "retries_total",
			Help:      "Requests that needed the second dispatch attempt.",
		}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inference_router",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency by backend.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"backend"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inference_router",
			Name:      "tokens_total",
			Help:      "Token counts reported by backends.",
		}, []string{"backend", "direction"}),
	}
}

func (s *PromSink) Record(outcome *models.DispatchOutcome, meta *models.RequestMeta) {
	backendLabel := outcome.BackendID
	if backendLabel == "" {
		backendLabel = "none"
	}
	s.requests.WithLabelValues(backendLabel, string(outcome.Status)).Inc()
	if outcome.Attempts > 1 {
		s.retries.Inc()
	}
	s.latency.WithLabelValues(backendLabel).Observe(outcome.Latency.Seconds())
	if outcome.TokensIn > 0 {
		s.tokens.WithLabelValues(backendLabel, "in").Add(float64(outcome.TokensIn))
	}
	if outcome.TokensOut > 0 {
		s.tokens.WithLabelValues(backendLabel, "out").Add(float64(outcome.TokensOut))
	}
}
