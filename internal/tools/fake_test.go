package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nugget/mcpagent/internal/mcp"
)

// fakeCaller is one session's view of a Slack-like MCP server.
type fakeCaller struct {
	sessionID string
	tools     []mcp.ToolDefinition

	listCalls atomic.Int32
	callCalls atomic.Int32

	// callErr, when set, decides the error for each tools/call.
	callErr func(name string, n int32) error
	listErr error
}

func (c *fakeCaller) ListTools(context.Context) ([]mcp.ToolDefinition, error) {
	c.listCalls.Add(1)
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]mcp.ToolDefinition(nil), c.tools...), nil
}

func (c *fakeCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	n := c.callCalls.Add(1)
	if c.callErr != nil {
		if err := c.callErr(name, n); err != nil {
			return nil, err
		}
	}
	text := "C1,general\nC2,random"
	if v, ok := args["echo"].(string); ok {
		text = v
	}
	block, _ := json.Marshal(map[string]any{"type": "text", "text": text})
	return &mcp.CallToolResult{Content: []json.RawMessage{block}}, nil
}

// fakeSessions mimics the manager: one active caller, replaced on
// Reestablish with a caller for session-N+1.
type fakeSessions struct {
	mu          sync.Mutex
	gen         int
	current     *fakeCaller
	invalid     bool
	callers     []*fakeCaller
	reestablish atomic.Int32

	// newCaller customizes each session's caller.
	newCaller      func(gen int) *fakeCaller
	reestablishErr error
}

func newFakeSessions(build func(gen int) *fakeCaller) *fakeSessions {
	s := &fakeSessions{newCaller: build}
	s.next()
	return s
}

func slackTools() []mcp.ToolDefinition {
	return []mcp.ToolDefinition{
		{
			Name:        "channels_list",
			Description: "List channels in the workspace",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"channel_types": map[string]any{"type": "string"}}},
		},
		{Name: "conversations_history", Description: "Read channel history"},
		{Name: "conversations_add_message", Description: "Post a message"},
	}
}

func (s *fakeSessions) next() {
	s.gen++
	var c *fakeCaller
	if s.newCaller != nil {
		c = s.newCaller(s.gen)
	}
	if c == nil {
		c = &fakeCaller{tools: slackTools()}
	}
	c.sessionID = fmt.Sprintf("session-%d", s.gen)
	s.current = c
	s.invalid = false
	s.callers = append(s.callers, c)
}

func (s *fakeSessions) Current(context.Context) (ToolCaller, mcp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return nil, mcp.Session{}, &mcp.SessionExpiredError{SessionID: s.current.sessionID}
	}
	return s.current, mcp.Session{ID: s.current.sessionID, Generation: s.gen}, nil
}

func (s *fakeSessions) Reestablish(_ context.Context, staleID string) (mcp.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reestablish.Add(1)
	if s.reestablishErr != nil {
		return mcp.Session{}, s.reestablishErr
	}
	if s.current.sessionID == staleID {
		s.next()
	}
	return mcp.Session{ID: s.current.sessionID, Generation: s.gen}, nil
}

func (s *fakeSessions) invalidate() {
	s.mu.Lock()
	s.invalid = true
	s.mu.Unlock()
}

func (s *fakeSessions) caller(i int) *fakeCaller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callers[i]
}

func (s *fakeSessions) totalCalls() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int32
	for _, c := range s.callers {
		n += c.callCalls.Load()
	}
	return n
}

func expired(id string) error {
	return &mcp.SessionExpiredError{
		SessionID: id,
		Err:       &mcp.RPCError{Code: mcp.CodeServerError, Message: "Invalid session ID"},
	}
}

var errBoom = errors.New("boom")
