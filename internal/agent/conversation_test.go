package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/mcpagent/internal/llm"
)

func TestNewConversation(t *testing.T) {
	c := NewConversation("You answer questions about Slack.")

	id, err := uuid.Parse(c.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())

	require.Equal(t, 1, c.Len())
	assert.Equal(t, llm.RoleSystem, c.Messages()[0].Role)

	assert.Zero(t, NewConversation("").Len())
	assert.NotEqual(t, c.ID, NewConversation("").ID)
}

func TestConversation_AppendOnly(t *testing.T) {
	c := NewConversation("")
	c.Append(llm.Message{Role: llm.RoleUser, Content: "hello"})

	msgs := c.Messages()
	msgs[0].Content = "tampered"
	c.Append(llm.Message{Role: llm.RoleAssistant, Content: "hi"})

	got := c.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "hi", got[1].Content)

	turns := c.Turns()
	assert.False(t, turns[0].At.IsZero())
	assert.False(t, turns[1].At.Before(turns[0].At))
}

func TestConversation_Transcript(t *testing.T) {
	ts := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		turns   []Turn
		wantSub []string
		wantNot []string
		empty   bool
	}{
		{
			name:  "empty conversation",
			empty: true,
		},
		{
			name: "basic user/assistant dialogue",
			turns: []Turn{
				{Message: llm.Message{Role: llm.RoleUser, Content: "hello"}, At: ts},
				{Message: llm.Message{Role: llm.RoleAssistant, Content: "hi there"}, At: ts.Add(time.Minute)},
			},
			wantSub: []string{"[14:30] user: hello", "[14:31] assistant: hi there"},
		},
		{
			name: "system, tool and tool-only turns excluded",
			turns: []Turn{
				{Message: llm.Message{Role: llm.RoleSystem, Content: "you are helpful"}, At: ts},
				{Message: llm.Message{Role: llm.RoleUser, Content: "channels?"}, At: ts},
				{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{llm.NewToolCall("c1", "channels_list", nil)}}, At: ts},
				{Message: llm.Message{Role: llm.RoleTool, Content: "C1,general"}, At: ts},
				{Message: llm.Message{Role: llm.RoleAssistant, Content: "#general"}, At: ts},
			},
			wantSub: []string{"user: channels?", "assistant: #general"},
			wantNot: []string{"you are helpful", "C1,general"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Conversation{ID: "test", turns: tt.turns}
			got := c.Transcript()
			if tt.empty {
				assert.Empty(t, got)
				return
			}
			for _, s := range tt.wantSub {
				assert.Contains(t, got, s)
			}
			for _, s := range tt.wantNot {
				assert.NotContains(t, got, s)
			}
			assert.Equal(t, len(tt.wantSub), strings.Count(got, "\n"))
		})
	}
}

func TestGenerateRequestID(t *testing.T) {
	id := generateRequestID()

	require.True(t, strings.HasPrefix(id, "r_"), "request ID %q missing r_ prefix", id)
	// r_ prefix + 8 hex chars = 10 total
	require.Len(t, id, 10)
	for _, c := range id[2:] {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "request ID %q contains non-hex char %q", id, string(c))
	}
}

func TestGenerateRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateRequestID()
		require.False(t, seen[id], "duplicate request ID %q after %d iterations", id, i)
		seen[id] = true
	}
}
