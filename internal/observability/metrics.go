package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chat stages observed per request.
const (
	StageMemoryLoad = "memory_load"
	StageAgent      = "agent_invoke"
	StagePersist    = "persist"
	StageTotal      = "chat_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ChatRequests *prometheus.CounterVec
	StageLatency *prometheus.HistogramVec
	AgentErrors  *prometheus.CounterVec
	ToolCalls    *prometheus.CounterVec
	StoreErrors  *prometheus.CounterVec
	WSMessages   *prometheus.CounterVec

	gatherer prometheus.Gatherer
	latency  *latencyWindow
}

// NewMetricsWithRegistry registers the instruments, plus Go and process
// collectors, on reg. Each Build uses its own registry so tests can build
// the service more than once per process.
func NewMetricsWithRegistry(reg *prometheus.Registry, namespace string, opts LatencyOptions) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by outcome.",
		}, []string{"outcome"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_stage_latency_ms",
			Help:      "Chat request stage latency in milliseconds.",
			Buckets:   []float64{5, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"stage"}),
		AgentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_errors_total",
			Help:      "Classified agent invocation failures by code and status.",
		}, []string{"code", "status"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool plugin invocations by plugin, level and outcome.",
		}, []string{"plugin", "level", "outcome"}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Conversation store failures by operation.",
		}, []string{"op"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		gatherer: reg,
		latency:  newLatencyWindow(opts),
	}
}

func (m *Metrics) ObserveChat(outcome string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(outcome).Inc()
	m.latency.observeOutcome(outcome)
}

// ObserveStage records a stage latency on the histogram and the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(durationMS(d))
	m.latency.observe(stage, d)
}

func (m *Metrics) ObserveAgentError(code string, status int) {
	if m == nil {
		return
	}
	m.AgentErrors.WithLabelValues(code, strconv.Itoa(status)).Inc()
	m.latency.observeFailure("agent_error")
}

func (m *Metrics) ObserveToolCall(plugin, level string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.latency.observeFailure("tool_call_failed")
	}
	m.ToolCalls.WithLabelValues(plugin, level, outcome).Inc()
}

func (m *Metrics) ObserveStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
	m.latency.observeFailure("store_" + op + "_failed")
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// SnapshotLatency returns per-stage percentiles against their p95 budgets,
// plus outcome rates over the same window.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}, Outcomes: []OutcomeRate{}}
	}
	return m.latency.snapshot()
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return MetricsHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
