package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/tools"
)

// mockLLM returns pre-configured responses in sequence and records each call.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	err       error
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, td, nil)
}

func (m *mockLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, td []map[string]any, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})
	if m.err != nil {
		return nil, m.err
	}
	if m.callIndex >= len(m.responses) {
		// Keep requesting tools so turn limits can be exercised.
		return toolCallResponse(fmt.Sprintf("call-%d", m.callIndex), "channels_list"), nil
	}
	resp := m.responses[m.callIndex]
	m.callIndex++
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func toolCallResponse(id, name string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{llm.NewToolCall(id, name, map[string]any{})},
		},
		InputTokens:  100,
		OutputTokens: 10,
	}
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		InputTokens:  150,
		OutputTokens: 5,
	}
}

// fakeToolbox serves a fixed function list and canned outcomes.
type fakeToolbox struct {
	mu     sync.Mutex
	fns    []map[string]any
	fnErr  error
	errs   map[string]error
	called []tools.Call
}

func newFakeToolbox(names ...string) *fakeToolbox {
	tb := &fakeToolbox{errs: map[string]error{}}
	for _, n := range names {
		tb.fns = append(tb.fns, map[string]any{
			"type":     "function",
			"function": map[string]any{"name": n},
		})
	}
	return tb
}

func (f *fakeToolbox) Functions(context.Context) ([]map[string]any, error) {
	return f.fns, f.fnErr
}

func (f *fakeToolbox) CallTools(_ context.Context, calls []tools.Call) []tools.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tools.Outcome, len(calls))
	for i, c := range calls {
		f.called = append(f.called, c)
		if err := f.errs[c.Name]; err != nil {
			out[i] = tools.Outcome{Call: c, Err: err}
			continue
		}
		out[i] = tools.Outcome{Call: c, Result: &tools.ToolCallResult{
			ToolName: c.Name,
			Content:  []tools.ContentBlock{{Type: tools.BlockText, Text: "C1,general\nC2,random"}},
			Attempts: 1,
		}}
	}
	return out
}

// slackServer is a ToolCaller for one session of a Slack-like server.
type slackServer struct {
	expired bool
	id      string
}

func (s *slackServer) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	return []mcp.ToolDefinition{
		{Name: "channels_list", Description: "List channels in the workspace"},
		{Name: "conversations_history", Description: "Read channel history"},
	}, nil
}

func (s *slackServer) CallTool(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
	if s.expired {
		return nil, &mcp.SessionExpiredError{SessionID: s.id}
	}
	block, _ := json.Marshal(map[string]any{"type": "text", "text": "C1,general\nC2,random"})
	return &mcp.CallToolResult{Content: []json.RawMessage{block}}, nil
}

// slackSessions hands out slackServer sessions; expireFirst makes the
// first session reject tool calls as expired.
type slackSessions struct {
	mu          sync.Mutex
	gen         int
	current     *slackServer
	reestablish int
}

func newSlackSessions(expireFirst bool) *slackSessions {
	return &slackSessions{gen: 1, current: &slackServer{id: "session-1", expired: expireFirst}}
}

func (s *slackSessions) Current(context.Context) (tools.ToolCaller, mcp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, mcp.Session{ID: s.current.id, Generation: s.gen}, nil
}

func (s *slackSessions) Reestablish(_ context.Context, staleID string) (mcp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reestablish++
	if s.current.id == staleID {
		s.gen++
		s.current = &slackServer{id: fmt.Sprintf("session-%d", s.gen)}
	}
	return mcp.Session{ID: s.current.id, Generation: s.gen}, nil
}

func newSlackDispatcher(s *slackSessions) *tools.Dispatcher {
	return tools.NewDispatcher(s, tools.NewRegistry(s, tools.RegistryConfig{}), tools.DispatcherConfig{})
}
