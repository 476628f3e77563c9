// Package metrics bundles the Prometheus collectors for mcpagent. All
// recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeExpired = "expired"
)

// Metrics holds the collectors and their private registry.
type Metrics struct {
	registry *prometheus.Registry

	RPCRequests    *prometheus.CounterVec
	RPCDuration    *prometheus.HistogramVec
	RPCDropped     prometheus.Counter
	SessionsOpened *prometheus.CounterVec
	SessionsActive *prometheus.GaugeVec
	ToolCalls      *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	ToolRetries    *prometheus.CounterVec
	AgentRuns      *prometheus.CounterVec
	AgentTurns     prometheus.Histogram
	LLMCalls       *prometheus.CounterVec
	LLMTokens      *prometheus.CounterVec
}

// New constructs the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_rpc_requests_total",
			Help: "JSON-RPC requests by method and outcome",
		}, []string{"method", "outcome"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpagent_rpc_duration_seconds",
			Help:    "JSON-RPC round-trip latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RPCDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpagent_rpc_dropped_responses_total",
			Help: "Responses discarded because no request was pending",
		}),
		SessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_sessions_established_total",
			Help: "Session establishment attempts by transport and outcome",
		}, []string{"transport", "outcome"}),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpagent_sessions_active",
			Help: "Currently active MCP sessions by transport",
		}, []string{"transport"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_tool_calls_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpagent_tool_duration_seconds",
			Help:    "Tool invocation latency including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ToolRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_tool_retries_total",
			Help: "Tool calls retried after session re-establishment",
		}, []string{"tool"}),
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_agent_runs_total",
			Help: "Agent loop runs by finish reason",
		}, []string{"finish_reason"}),
		AgentTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcpagent_agent_turns",
			Help:    "LLM round trips per agent run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_llm_calls_total",
			Help: "LLM chat calls by model and outcome",
		}, []string{"model", "outcome"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_llm_tokens_total",
			Help: "LLM tokens by model and direction",
		}, []string{"model", "direction"}),
	}

	reg.MustRegister(
		m.RPCRequests, m.RPCDuration, m.RPCDropped,
		m.SessionsOpened, m.SessionsActive,
		m.ToolCalls, m.ToolDuration, m.ToolRetries,
		m.AgentRuns, m.AgentTurns, m.LLMCalls, m.LLMTokens,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRPC records one request and its latency.
func (m *Metrics) ObserveRPC(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(orUnknown(method), orUnknown(outcome)).Inc()
	m.RPCDuration.WithLabelValues(orUnknown(method)).Observe(d.Seconds())
}

// RecordDroppedResponse counts a response with no pending request.
func (m *Metrics) RecordDroppedResponse() {
	if m == nil {
		return
	}
	m.RPCDropped.Inc()
}

// RecordSession counts an establishment attempt.
func (m *Metrics) RecordSession(transport, outcome string) {
	if m == nil {
		return
	}
	m.SessionsOpened.WithLabelValues(orUnknown(transport), orUnknown(outcome)).Inc()
}

// SessionActive moves the active-session gauge up or down.
func (m *Metrics) SessionActive(transport string, active bool) {
	if m == nil {
		return
	}
	g := m.SessionsActive.WithLabelValues(orUnknown(transport))
	if active {
		g.Inc()
	} else {
		g.Dec()
	}
}

// ObserveToolCall records a finished tool invocation.
func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(orUnknown(tool), orUnknown(outcome)).Inc()
	m.ToolDuration.WithLabelValues(orUnknown(tool)).Observe(d.Seconds())
}

// RecordToolRetry counts a retry after re-establishment.
func (m *Metrics) RecordToolRetry(tool string) {
	if m == nil {
		return
	}
	m.ToolRetries.WithLabelValues(orUnknown(tool)).Inc()
}

// RecordAgentRun records a finished agent run.
func (m *Metrics) RecordAgentRun(finishReason string, turns int) {
	if m == nil {
		return
	}
	m.AgentRuns.WithLabelValues(orUnknown(finishReason)).Inc()
	m.AgentTurns.Observe(float64(turns))
}

// RecordLLMCall records one chat call and its token usage.
func (m *Metrics) RecordLLMCall(model, outcome string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	model = orUnknown(model)
	m.LLMCalls.WithLabelValues(model, orUnknown(outcome)).Inc()
	m.LLMTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.LLMTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
