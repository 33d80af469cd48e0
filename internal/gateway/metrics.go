package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vnmchuo/genai-gateway/internal/aierr"
	"github.com/vnmchuo/genai-gateway/internal/provider"
)

const namespace = "genai_gateway"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	tokens    *prometheus.CounterVec
	billed    *prometheus.CounterVec
	streamOut *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "requests_total",
				Help:      "Total number of generation calls by outcome",
			},
			[]string{"kind", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "duration_seconds",
				Help:      "Generation call duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "llm",
				Name:      "tokens_used_total",
				Help:      "Total tokens used for billed text generations",
			},
			[]string{"provider", "type"}, // type: prompt/completion
		),
		billed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "cents_total",
				Help:      "Total cents billed to API keys",
			},
			[]string{"kind", "provider"},
		),
		streamOut: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "chunks_total",
				Help:      "Total number of text chunks delivered to stream consumers",
			},
			[]string{"provider"},
		),
	}
}

func (m *Metrics) observe(kind provider.Kind, start time.Time, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(kind), outcome(err)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) billedText(p provider.Name, usage provider.TokenUsage, cents float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(string(p), "prompt").Add(float64(usage.PromptTokens))
	m.tokens.WithLabelValues(string(p), "completion").Add(float64(usage.CompletionTokens))
	m.billed.WithLabelValues(string(provider.KindText), string(p)).Add(cents)
}

func (m *Metrics) billedImage(p provider.Name, cents float64) {
	if m == nil {
		return
	}
	m.billed.WithLabelValues(string(provider.KindImage), string(p)).Add(cents)
}

func (m *Metrics) chunk(p provider.Name) {
	if m == nil {
		return
	}
	m.streamOut.WithLabelValues(string(p)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, aierr.ErrQuotaExceeded):
		return "quota_exceeded"
	case aierr.IsNotFound(err):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	if k, ok := aierr.KindOf(err); ok {
		return k.String()
	}
	return "error"
}
