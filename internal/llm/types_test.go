package llm

import (
	"encoding/json"
	"testing"
)

func TestNewToolCall(t *testing.T) {
	args := map[string]any{"channel_id": "C024BE91L", "limit": float64(20)}
	tc := NewToolCall("call_2_1", "conversations_history", args)

	if tc.ID != "call_2_1" {
		t.Errorf("ID = %q", tc.ID)
	}
	if tc.Function.Name != "conversations_history" {
		t.Errorf("Function.Name = %q", tc.Function.Name)
	}
	if tc.Function.Arguments["channel_id"] != "C024BE91L" {
		t.Errorf("Arguments = %v", tc.Function.Arguments)
	}
}

func TestMessage_JSONShape(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "assistant turn requesting a tool",
			msg: Message{
				Role:      RoleAssistant,
				ToolCalls: []ToolCall{NewToolCall("call_1_0", "channels_list", map[string]any{"channel_types": "public_channel"})},
			},
			want: `{"role":"assistant","content":"","tool_calls":[{"id":"call_1_0","function":{"name":"channels_list","arguments":{"channel_types":"public_channel"}}}]}`,
		},
		{
			name: "tool call without an id",
			msg: Message{
				Role:      RoleAssistant,
				ToolCalls: []ToolCall{NewToolCall("", "channels_list", nil)},
			},
			want: `{"role":"assistant","content":"","tool_calls":[{"function":{"name":"channels_list","arguments":null}}]}`,
		},
		{
			name: "tool turn",
			msg:  Message{Role: RoleTool, Content: `{"error":"unknown tool \"drop_tables\""}`, ToolCallID: "call_1_0"},
			want: `{"role":"tool","content":"{\"error\":\"unknown tool \\\"drop_tables\\\"\"}","tool_call_id":"call_1_0"}`,
		},
		{
			name: "plain user turn",
			msg:  Message{Role: RoleUser, Content: "Anything new in #ops?"},
			want: `{"role":"user","content":"Anything new in #ops?"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("got  %s\nwant %s", b, tt.want)
			}
		})
	}
}

func TestChatResponse_ZeroValue(t *testing.T) {
	var resp ChatResponse
	if resp.Done || resp.StopReason != "" {
		t.Errorf("zero response reports completion: %+v", resp)
	}
	if !resp.CreatedAt.IsZero() || resp.TotalDuration != 0 {
		t.Error("zero response carries timing")
	}
	if len(resp.Message.ToolCalls) != 0 {
		t.Error("zero response carries tool calls")
	}
}
