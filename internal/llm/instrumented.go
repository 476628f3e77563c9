package llm

import (
	"context"
	"errors"

	"github.com/nugget/mcpagent/internal/metrics"
)

// Instrumented wraps a Client and records call outcomes and token
// usage.
type Instrumented struct {
	Client
	metrics *metrics.Metrics
}

// WithMetrics returns c wrapped with metric recording. A nil m returns
// c unchanged.
func WithMetrics(c Client, m *metrics.Metrics) Client {
	if m == nil {
		return c
	}
	return &Instrumented{Client: c, metrics: m}
}

// Chat forwards to the wrapped client.
func (i *Instrumented) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	resp, err := i.Client.Chat(ctx, model, messages, tools)
	i.record(model, resp, err)
	return resp, err
}

// ChatStream forwards to the wrapped client.
func (i *Instrumented) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	resp, err := i.Client.ChatStream(ctx, model, messages, tools, callback)
	i.record(model, resp, err)
	return resp, err
}

func (i *Instrumented) record(model string, resp *ChatResponse, err error) {
	switch {
	case err == nil:
		i.metrics.RecordLLMCall(model, metrics.OutcomeOK, resp.InputTokens, resp.OutputTokens)
	case errors.Is(err, context.DeadlineExceeded):
		i.metrics.RecordLLMCall(model, metrics.OutcomeTimeout, 0, 0)
	default:
		i.metrics.RecordLLMCall(model, metrics.OutcomeError, 0, 0)
	}
}
