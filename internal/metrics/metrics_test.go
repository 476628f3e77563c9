package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRPC("tools/call", OutcomeOK, time.Second)
		m.RecordDroppedResponse()
		m.RecordSession("stream", OutcomeOK)
		m.SessionActive("stream", true)
		m.ObserveToolCall("channels_list", OutcomeOK, time.Second)
		m.RecordToolRetry("channels_list")
		m.RecordAgentRun("final", 2)
		m.RecordLLMCall("scripted", OutcomeOK, 1, 2)
	})
	assert.Nil(t, m.Registry())
}

func TestObserveRPC(t *testing.T) {
	m := New()
	m.ObserveRPC("tools/list", OutcomeOK, 10*time.Millisecond)
	m.ObserveRPC("tools/list", OutcomeOK, 20*time.Millisecond)
	m.ObserveRPC("tools/call", OutcomeTimeout, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("tools/list", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("tools/call", OutcomeTimeout)))
}

func TestSessionGauge(t *testing.T) {
	m := New()
	m.SessionActive("stdio", true)
	m.SessionActive("stdio", true)
	m.SessionActive("stdio", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive.WithLabelValues("stdio")))
}

func TestEmptyLabelsBecomeUnknown(t *testing.T) {
	m := New()
	m.ObserveToolCall("", "", 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("unknown", "unknown")))
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.RecordDroppedResponse()
	m.RecordLLMCall("gpt-4o", OutcomeOK, 10, 5)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["mcpagent_rpc_dropped_responses_total"])
	assert.True(t, names["mcpagent_llm_tokens_total"])
}
