package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for admission, workers, the live
// bridge and tools. A nil *Metrics is valid and records nothing.
type Metrics struct {
	runsAdmitted  *prometheus.CounterVec
	runsRejected  *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	graphSteps    *prometheus.HistogramVec

	toolCalls  *prometheus.CounterVec
	llmCalls   *prometheus.CounterVec
	llmTokens  *prometheus.CounterVec
	eventsSent *prometheus.CounterVec
	rpcCalls   *prometheus.CounterVec

	bridgeActive *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_runs_admitted_total",
				Help: "Runs accepted at admission by queue and agent",
			},
			[]string{"queue", "agent_id"},
		),
		runsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_runs_rejected_total",
				Help: "Admission requests rejected by reason",
			},
			[]string{"reason"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_runs_completed_total",
				Help: "Runs finished by a worker by queue and status",
			},
			[]string{"queue", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "athena_run_duration_seconds",
				Help:    "Wall time of graph executions",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"agent_id"},
		),
		graphSteps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "athena_graph_steps",
				Help:    "Number of nodes executed per graph run",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"agent_id"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		llmCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_llm_calls_total",
				Help: "Chat model calls by model and outcome",
			},
			[]string{"model", "outcome"},
		),
		llmTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_llm_tokens_total",
				Help: "Tokens consumed by model",
			},
			[]string{"model"},
		),
		eventsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_events_published_total",
				Help: "Run events published by event type and outcome",
			},
			[]string{"event", "outcome"},
		),
		rpcCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_rpc_calls_total",
				Help: "RPC calls by method and error code",
			},
			[]string{"method", "code"},
		),
		bridgeActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "athena_bridge_connections_active",
				Help: "Open live bridge connections by transport",
			},
			[]string{"transport"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athena_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "athena_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.runsAdmitted,
		m.runsRejected,
		m.runsCompleted,
		m.runDuration,
		m.graphSteps,
		m.toolCalls,
		m.llmCalls,
		m.llmTokens,
		m.eventsSent,
		m.rpcCalls,
		m.bridgeActive,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunAdmitted(queue, agentID string) {
	if m == nil {
		return
	}
	m.runsAdmitted.WithLabelValues(queue, agentID).Inc()
}

func (m *Metrics) RunRejected(reason string) {
	if m == nil {
		return
	}
	m.runsRejected.WithLabelValues(reason).Inc()
}

// RunCompleted records a finished run with its wall time.
func (m *Metrics) RunCompleted(queue, agentID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(queue, status).Inc()
	m.runDuration.WithLabelValues(agentID).Observe(d.Seconds())
}

func (m *Metrics) GraphSteps(agentID string, steps int) {
	if m == nil {
		return
	}
	m.graphSteps.WithLabelValues(agentID).Observe(float64(steps))
}

func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

// LLMCall records one model call and the tokens it consumed.
func (m *Metrics) LLMCall(model, outcome string, tokens int) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, outcome).Inc()
	if tokens > 0 {
		m.llmTokens.WithLabelValues(model).Add(float64(tokens))
	}
}

func (m *Metrics) EventPublished(event, outcome string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(event, outcome).Inc()
}

// RPCCall counts one RPC call. code is "ok" on success.
func (m *Metrics) RPCCall(method, code string) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(method, code).Inc()
}

// BridgeOpened increments the open-connection gauge and returns the matching
// decrement.
func (m *Metrics) BridgeOpened(transport string) func() {
	if m == nil {
		return func() {}
	}
	g := m.bridgeActive.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

// Instrument wraps h to record request counts and latency under route.
func (m *Metrics) Instrument(route string, h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rw, r)
		m.httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
