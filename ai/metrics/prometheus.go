// Package metrics provides Prometheus metrics export for the discovery engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports engine metrics in Prometheus format.
// A nil exporter is valid and records nothing.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Turn metrics
	turns       *prometheus.CounterVec
	turnLatency *prometheus.HistogramVec
	turnsActive prometheus.Gauge

	// Tool call metrics
	toolCalls   *prometheus.CounterVec
	toolLatency *prometheus.HistogramVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// LLM metrics
	llmTokensUsed *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec

	// Retrieval metrics
	retrievalLatency *prometheus.HistogramVec
	retrievalDegrade *prometheus.CounterVec

	rateLimitRejects *prometheus.CounterVec
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}
}

const namespace = "uncanny"

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: cfg.LatencyBuckets,
		}, labels)
	}

	e := &PrometheusExporter{
		registry:    registry,
		turns:       counter("agent", "turns_total", "Total number of finished turns", "state", "reason"),
		turnLatency: histogram("agent", "turn_latency_seconds", "Turn latency in seconds", "state"),
		turnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "agent", Name: "turns_active", Help: "Number of turns in flight",
		}),
		toolCalls:        counter("agent", "tool_calls_total", "Total number of tool calls", "tool_name", "status"),
		toolLatency:      histogram("agent", "tool_latency_seconds", "Tool call latency in seconds", "tool_name"),
		cacheHits:        counter("cache", "hits_total", "Total number of cache hits", "cache_type"),
		cacheMisses:      counter("cache", "misses_total", "Total number of cache misses", "cache_type"),
		llmTokensUsed:    counter("llm", "tokens_total", "Total LLM tokens consumed", "model", "token_type"),
		llmLatency:       histogram("llm", "latency_seconds", "LLM request latency in seconds", "model", "operation"),
		retrievalLatency: histogram("retrieval", "latency_seconds", "Retrieval signal latency in seconds", "signal"),
		retrievalDegrade: counter("retrieval", "degraded_total", "Retrievals that lost a signal", "signal"),
		rateLimitRejects: counter("ratelimit", "rejections_total", "Calls rejected by the rate limiter", "route"),
	}

	registry.MustRegister(
		e.turns,
		e.turnLatency,
		e.turnsActive,
		e.toolCalls,
		e.toolLatency,
		e.cacheHits,
		e.cacheMisses,
		e.llmTokensUsed,
		e.llmLatency,
		e.retrievalLatency,
		e.retrievalDegrade,
		e.rateLimitRejects,
	)
	return e
}

// RecordTurn records a turn reaching a terminal state.
func (e *PrometheusExporter) RecordTurn(state, reason string, latency time.Duration) {
	if e == nil {
		return
	}
	e.turns.WithLabelValues(state, reason).Inc()
	e.turnLatency.WithLabelValues(state).Observe(latency.Seconds())
}

// TurnStarted increments the in-flight gauge and returns its decrement.
func (e *PrometheusExporter) TurnStarted() func() {
	if e == nil {
		return func() {}
	}
	e.turnsActive.Inc()
	return e.turnsActive.Dec
}

// RecordToolCall records a tool call metric.
func (e *PrometheusExporter) RecordToolCall(toolName, status string, latency time.Duration) {
	if e == nil {
		return
	}
	e.toolCalls.WithLabelValues(toolName, status).Inc()
	e.toolLatency.WithLabelValues(toolName).Observe(latency.Seconds())
}

// RecordCacheHit records a cache hit.
func (e *PrometheusExporter) RecordCacheHit(cacheType string) {
	if e == nil {
		return
	}
	e.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (e *PrometheusExporter) RecordCacheMiss(cacheType string) {
	if e == nil {
		return
	}
	e.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordLLM records token usage and latency of one LLM call.
func (e *PrometheusExporter) RecordLLM(model, operation string, promptTokens, completionTokens int, latency time.Duration) {
	if e == nil {
		return
	}
	e.llmTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	e.llmTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	e.llmLatency.WithLabelValues(model, operation).Observe(latency.Seconds())
}

// RecordRetrieval records the latency of one retrieval signal.
func (e *PrometheusExporter) RecordRetrieval(signal string, latency time.Duration, degraded bool) {
	if e == nil {
		return
	}
	e.retrievalLatency.WithLabelValues(signal).Observe(latency.Seconds())
	if degraded {
		e.retrievalDegrade.WithLabelValues(signal).Inc()
	}
}

// RecordRateLimitReject records a rejected call.
func (e *PrometheusExporter) RecordRateLimitReject(route string) {
	if e == nil {
		return
	}
	e.rateLimitRejects.WithLabelValues(route).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// GetRegistry returns the Prometheus registry.
func (e *PrometheusExporter) GetRegistry() *prometheus.Registry {
	return e.registry
}
