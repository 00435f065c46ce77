package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusOnce     sync.Once
	prometheusInstance *PrometheusCollector
)

// PrometheusCollector holds every metric exported on /metrics.
type PrometheusCollector struct {
	// Engine search metrics
	searchesTotal   *prometheus.CounterVec
	searchDuration  *prometheus.HistogramVec
	searchDepth     prometheus.Histogram
	gateWaitSeconds prometheus.Histogram
	activeStreams   prometheus.Gauge

	// Engine lifecycle metrics
	engineStatus        *prometheus.GaugeVec
	engineRestartsTotal prometheus.Counter
	engineHealthChecks  *prometheus.CounterVec
	engineErrorsTotal   *prometheus.CounterVec

	// MCP tool metrics
	toolCallsTotal   *prometheus.CounterVec
	toolDurationSecs *prometheus.HistogramVec

	// Rate limit metrics
	rateLimitHitsTotal   *prometheus.CounterVec
	rateLimitChecksTotal prometheus.Counter

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Cache metrics
	cacheHitsTotal   prometheus.Counter
	cacheMissesTotal prometheus.Counter
	cacheSize        prometheus.Gauge
	cacheItems       prometheus.Gauge
}

// NewPrometheusCollector returns the process wide collector, registering
// it on first use.
func NewPrometheusCollector() *PrometheusCollector {
	prometheusOnce.Do(func() {
		prometheusInstance = &PrometheusCollector{
			searchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pikafish_searches_total",
					Help: "Total number of engine searches by mode and outcome",
				},
				[]string{"mode", "status"},
			),
			searchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pikafish_search_duration_seconds",
					Help:    "Wall time of engine searches, gate wait excluded",
					Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"mode"},
			),
			searchDepth: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pikafish_search_depth",
					Help:    "Depth reached by the primary variation",
					Buckets: prometheus.LinearBuckets(4, 4, 10),
				},
			),
			gateWaitSeconds: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pikafish_gate_wait_seconds",
					Help:    "Time spent waiting for exclusive access to the engine",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeStreams: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "pikafish_active_streams",
					Help: "Number of streaming analyses in flight",
				},
			),

			engineStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pikafish_engine_up",
					Help: "Status of the engine (1=ready, 0=stopped)",
				},
				[]string{"engine"},
			),
			engineRestartsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "pikafish_engine_restarts_total",
					Help: "Total number of engine restarts by the supervisor",
				},
			),
			engineHealthChecks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pikafish_engine_health_checks_total",
					Help: "Total number of engine health checks",
				},
				[]string{"status"},
			),
			engineErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pikafish_engine_errors_total",
					Help: "Total number of engine session failures by kind",
				},
				[]string{"op", "kind"},
			),

			toolCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pikafish_mcp_tool_calls_total",
					Help: "Total number of MCP tool calls",
				},
				[]string{"tool", "status"},
			),
			toolDurationSecs: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pikafish_mcp_tool_duration_seconds",
					Help:    "Duration of MCP tool calls in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),

			rateLimitHitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pikafish_mcp_rate_limit_hits_total",
					Help: "Total number of rate limit hits",
				},
				[]string{"client", "tool"},
			),
			rateLimitChecksTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "pikafish_mcp_rate_limit_checks_total",
					Help: "Total number of rate limit checks",
				},
			),

			httpRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pikafish_mcp_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			httpRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pikafish_mcp_http_request_duration_seconds",
					Help:    "Duration of HTTP requests in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),

			cacheHitsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "pikafish_mcp_cache_hits_total",
					Help: "Total number of analysis cache hits",
				},
			),
			cacheMissesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "pikafish_mcp_cache_misses_total",
					Help: "Total number of analysis cache misses",
				},
			),
			cacheSize: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "pikafish_mcp_cache_size_bytes",
					Help: "Current cache size in bytes",
				},
			),
			cacheItems: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "pikafish_mcp_cache_items",
					Help: "Current number of items in cache",
				},
			),
		}
	})
	return prometheusInstance
}

// RecordSearch records one finished search.
func (p *PrometheusCollector) RecordSearch(mode, status string, durationSecs float64) {
	p.searchesTotal.WithLabelValues(mode, status).Inc()
	p.searchDuration.WithLabelValues(mode).Observe(durationSecs)
}

// RecordSearchDepth records the depth of a completed search.
func (p *PrometheusCollector) RecordSearchDepth(depth int) {
	p.searchDepth.Observe(float64(depth))
}

// RecordGateWait records how long a caller queued for the engine.
func (p *PrometheusCollector) RecordGateWait(durationSecs float64) {
	p.gateWaitSeconds.Observe(durationSecs)
}

// StreamStarted and StreamFinished track streaming analyses in flight.
func (p *PrometheusCollector) StreamStarted() {
	p.activeStreams.Inc()
}

func (p *PrometheusCollector) StreamFinished() {
	p.activeStreams.Dec()
}

// RecordEngineStatus records whether the engine is ready.
func (p *PrometheusCollector) RecordEngineStatus(ready bool, engine string) {
	value := 0.0
	if ready {
		value = 1.0
	}
	p.engineStatus.WithLabelValues(engine).Set(value)
}

func (p *PrometheusCollector) RecordEngineRestart() {
	p.engineRestartsTotal.Inc()
}

func (p *PrometheusCollector) RecordEngineHealthCheck(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	p.engineHealthChecks.WithLabelValues(status).Inc()
}

// RecordEngineError records a failed session operation.
func (p *PrometheusCollector) RecordEngineError(op, kind string) {
	p.engineErrorsTotal.WithLabelValues(op, kind).Inc()
}

func (p *PrometheusCollector) RecordToolCall(tool, status string, durationSecs float64) {
	p.toolCallsTotal.WithLabelValues(tool, status).Inc()
	p.toolDurationSecs.WithLabelValues(tool).Observe(durationSecs)
}

func (p *PrometheusCollector) RecordRateLimit(client, tool string, hit bool) {
	p.rateLimitChecksTotal.Inc()
	if hit {
		p.rateLimitHitsTotal.WithLabelValues(client, tool).Inc()
	}
}

func (p *PrometheusCollector) RecordHTTPRequest(method, path, status string, durationSecs float64) {
	p.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	p.httpRequestDuration.WithLabelValues(method, path).Observe(durationSecs)
}

func (p *PrometheusCollector) RecordCacheHit() {
	p.cacheHitsTotal.Inc()
}

func (p *PrometheusCollector) RecordCacheMiss() {
	p.cacheMissesTotal.Inc()
}

// SetCacheStats sets the current cache statistics.
func (p *PrometheusCollector) SetCacheStats(items, sizeBytes float64) {
	p.cacheItems.Set(items)
	p.cacheSize.Set(sizeBytes)
}
