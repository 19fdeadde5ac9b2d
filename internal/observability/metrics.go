package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the dispatch core emits. Build it
// once at startup with NewMetrics and thread it through constructors; tests
// pass a private registry so parallel test binaries never collide.
type Metrics struct {
	// RequestDuration measures end-to-end dispatch latency in seconds.
	// Labels: provider, model
	RequestDuration *prometheus.HistogramVec

	// RequestCounter counts dispatched chat requests.
	// Labels: provider, model, status (success|error|partial)
	RequestCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption reported by backends.
	// Labels: provider, model, type (prompt|completion)
	TokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool invocations by outcome.
	// Labels: tool, status (success|error|escalation|rate_limited)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ToolCacheLookups counts offline cache consultations.
	// Labels: tool, outcome (hit|miss)
	ToolCacheLookups *prometheus.CounterVec

	// BackendFailures counts adapter failures as classified for the
	// degradation manager. Labels: backend, kind
	BackendFailures *prometheus.CounterVec

	// BackendAvailable is 1 while a backend's circuit is closed.
	// Labels: backend
	BackendAvailable *prometheus.GaugeVec

	// DegradationMode is 1 for the current mode, 0 for all others.
	// Labels: mode
	DegradationMode *prometheus.GaugeVec

	// QueueDepth is the advisory queue depth.
	QueueDepth prometheus.Gauge

	// HTTPRequestDuration measures API latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors with reg. Pass
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_request_duration_seconds",
				Help:    "End-to-end chat dispatch duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_requests_total",
				Help: "Chat requests by provider, model, and terminal status",
			},
			[]string{"provider", "model", "status"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_llm_tokens_total",
				Help: "Tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_tool_executions_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_tool_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),

		ToolCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_tool_cache_lookups_total",
				Help: "Offline tool-result cache lookups by outcome",
			},
			[]string{"tool", "outcome"},
		),

		BackendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valet_backend_failures_total",
				Help: "Backend adapter failures by classified kind",
			},
			[]string{"backend", "kind"},
		),

		BackendAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "valet_backend_available",
				Help: "1 while the backend's circuit breaker is closed",
			},
			[]string{"backend"},
		),

		DegradationMode: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "valet_degradation_mode",
				Help: "1 for the current degradation mode, 0 otherwise",
			},
			[]string{"mode"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "valet_queue_depth",
				Help: "Advisory request queue depth",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valet_http_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// SetMode flips the DegradationMode gauge so exactly one mode reads 1.
func (m *Metrics) SetMode(current string, all []string) {
	for _, mode := range all {
		v := 0.0
		if mode == current {
			v = 1.0
		}
		m.DegradationMode.WithLabelValues(mode).Set(v)
	}
}
