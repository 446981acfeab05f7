package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MemoryMetrics tracks health of the memory subsystem: summarization passes,
// evictions, context window size and embedding cache efficiency.
type MemoryMetrics struct {
	summarizations *prometheus.CounterVec
	evictions      prometheus.Counter
	windowTokens   prometheus.Gauge
	embedCache     *prometheus.CounterVec
}

// NewMemoryMetricsWithRegisterer registers the recorders on reg.
func NewMemoryMetricsWithRegisterer(reg prometheus.Registerer) *MemoryMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &MemoryMetrics{
		summarizations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "memory",
			Name:      "summarizations_total",
			Help:      "Summarization passes by outcome",
		}, []string{"outcome"}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "memory",
			Name:      "evictions_total",
			Help:      "Records evicted from the vector index",
		}),
		windowTokens: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore",
			Subsystem: "memory",
			Name:      "window_tokens",
			Help:      "Approximate tokens in the most recently built context window",
		}),
		embedCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "memory",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache lookups by result",
		}, []string{"result"}),
	}
}

// RecordSummarization counts a summarization pass; ok=false means degraded.
func (m *MemoryMetrics) RecordSummarization(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.summarizations.WithLabelValues(outcome).Inc()
}

// RecordEviction counts one evicted record.
func (m *MemoryMetrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// RecordWindowTokens stores the latest window size.
func (m *MemoryMetrics) RecordWindowTokens(tokens int) {
	if m == nil {
		return
	}
	m.windowTokens.Set(float64(tokens))
}

// RecordEmbeddingCache counts a cache hit or miss.
func (m *MemoryMetrics) RecordEmbeddingCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.embedCache.WithLabelValues(result).Inc()
}
