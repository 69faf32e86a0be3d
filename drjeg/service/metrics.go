package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the assistant's operational counters
type Metrics struct {
	TurnsTotal      *prometheus.CounterVec
	QuotaRejections prometheus.Counter
	ModelLatency    prometheus.Histogram
	ModelTokens     prometheus.Counter
}

// NewMetrics registers the assistant metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drjeg_turns_total",
			Help: "Conversation turns processed, by result.",
		}, []string{"result"}),
		QuotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "drjeg_quota_rejections_total",
			Help: "Requests rejected by the per-user hourly quota.",
		}),
		ModelLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "drjeg_model_latency_seconds",
			Help:    "Model gateway call latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ModelTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "drjeg_model_tokens_total",
			Help: "Tokens consumed by model calls.",
		}),
	}
}

// Turn result label values
const (
	resultOK          = "ok"
	resultRateLimited = "rate_limited"
	resultRejected    = "input_rejected"
	resultRedacted    = "redacted"
	resultModelError  = "model_error"
	resultError       = "error"
)
