package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DefaultScriptedTool is the tool the scripted provider asks for.
const DefaultScriptedTool = "channels_list"

// ScriptedRequest records one call made to a ScriptedClient.
type ScriptedRequest struct {
	Model    string
	Messages []Message
	Tools    []string
}

// ScriptedClient is a deterministic provider for demos and tests. It
// replays queued responses first. With the queue empty it asks for
// Tool once per user turn and then answers with the tool output.
type ScriptedClient struct {
	// Tool is requested when offered (default DefaultScriptedTool).
	Tool string
	// Arguments are sent with the tool call.
	Arguments map[string]any

	mu        sync.Mutex
	responses []*ChatResponse
	requests  []ScriptedRequest
	calls     int
}

// NewScriptedClient creates a scripted provider that replays responses
// before falling back to its built-in behaviour.
func NewScriptedClient(responses ...*ChatResponse) *ScriptedClient {
	return &ScriptedClient{Tool: DefaultScriptedTool, responses: responses}
}

// Enqueue appends canned responses.
func (c *ScriptedClient) Enqueue(responses ...*ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responses...)
}

// Requests returns every request received so far.
func (c *ScriptedClient) Requests() []ScriptedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ScriptedRequest(nil), c.requests...)
}

// Chat returns the next scripted response.
func (c *ScriptedClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream returns the next scripted response, delivering its content
// as a single token when callback is non-nil.
func (c *ScriptedClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls++
	n := c.calls
	c.requests = append(c.requests, ScriptedRequest{
		Model:    model,
		Messages: append([]Message(nil), messages...),
		Tools:    extractToolNames(tools),
	})
	var resp *ChatResponse
	if len(c.responses) > 0 {
		next := *c.responses[0]
		resp = &next
		c.responses = c.responses[1:]
	}
	c.mu.Unlock()

	if resp == nil {
		resp = c.respond(n, messages, tools)
	}
	if resp.Model == "" {
		resp.Model = model
	}
	if resp.Message.Role == "" {
		resp.Message.Role = RoleAssistant
	}
	resp.Done = true
	if resp.StopReason == "" {
		resp.StopReason = StopEndTurn
		if len(resp.Message.ToolCalls) > 0 {
			resp.StopReason = StopToolUse
		}
	}
	resp.InputTokens = countWords(messages)
	resp.OutputTokens = len(strings.Fields(resp.Message.Content))

	if callback != nil {
		if resp.Message.Content != "" {
			callback(StreamEvent{Kind: KindToken, Token: resp.Message.Content})
		}
		for i := range resp.Message.ToolCalls {
			callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &resp.Message.ToolCalls[i]})
		}
		callback(StreamEvent{Kind: KindDone, Response: resp})
	}
	return resp, nil
}

// respond implements the built-in behaviour: request the tool after a
// user turn, summarize tool output after tool turns.
func (c *ScriptedClient) respond(n int, messages []Message, tools []map[string]any) *ChatResponse {
	tool := c.Tool
	if tool == "" {
		tool = DefaultScriptedTool
	}

	var results []Message
	for i := len(messages) - 1; i >= 0 && messages[i].Role == RoleTool; i-- {
		results = append([]Message{messages[i]}, results...)
	}
	if len(results) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "Here is what %s returned:", tool)
		for _, r := range results {
			b.WriteString("\n")
			b.WriteString(strings.TrimSpace(r.Content))
		}
		return &ChatResponse{Message: Message{Content: b.String()}}
	}

	offered := false
	for _, name := range extractToolNames(tools) {
		offered = offered || name == tool
	}
	if !offered {
		return &ChatResponse{Message: Message{
			Content: fmt.Sprintf("I can't answer that: the %s tool is not available.", tool),
		}}
	}

	args := c.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return &ChatResponse{Message: Message{
		Content:   fmt.Sprintf("I'll use the %s tool.", tool),
		ToolCalls: []ToolCall{NewToolCall(fmt.Sprintf("scripted_%d", n), tool, args)},
	}}
}

// Ping always succeeds.
func (c *ScriptedClient) Ping(context.Context) error { return nil }

func countWords(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
