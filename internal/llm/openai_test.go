package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIClientImplementsInterface(t *testing.T) {
	var _ Client = (*OpenAIClient)(nil)
}

func TestConvertToOpenAI(t *testing.T) {
	msgs := convertToOpenAI([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			NewToolCall("call_1", "conversations_history", map[string]any{"channel_id": "#general"}),
			NewToolCall("call_1_1", "channels_list", nil),
		}},
		{Role: RoleTool, Content: "C1,general", ToolCallID: "call_1"},
	})

	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].Content != nil {
		t.Errorf("assistant content = %q, want null", *msgs[1].Content)
	}
	if got := msgs[1].ToolCalls[0].Function.Arguments; got != `{"channel_id":"#general"}` {
		t.Errorf("arguments = %s", got)
	}
	if msgs[1].ToolCalls[1].ID != "call_1_1" || msgs[1].ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("second call = %+v", msgs[1].ToolCalls[1])
	}
	if msgs[2].ToolCallID != "call_1" || *msgs[2].Content != "C1,general" {
		t.Errorf("tool message = %+v", msgs[2])
	}
}

func TestDecodeOpenAIToolCalls_BadArguments(t *testing.T) {
	_, err := decodeOpenAIToolCalls([]openaiToolCall{{Function: openaiFunction{Name: "x", Arguments: "{oops"}}})
	if err == nil {
		t.Error("expected error for malformed arguments")
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Stream || len(req.Tools) != 1 {
			t.Errorf("request = %+v", req)
		}
		fmt.Fprint(w, `{"model":"gpt-test","created":1700000000,"choices":[{"message":{"role":"assistant","content":null,
			"tool_calls":[{"id":"call_7","type":"function","function":{"name":"channels_list","arguments":"{\"channel_types\":\"public_channel\"}"}}]},
			"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":33,"completion_tokens":8}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	tools := []map[string]any{{"type": "function", "function": map[string]any{"name": "channels_list"}}}
	resp, err := c.Chat(context.Background(), "gpt-test", []Message{{Role: RoleUser, Content: "channels?"}}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %+v", resp.Message.ToolCalls)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_7" || tc.Function.Arguments["channel_types"] != "public_channel" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.StopReason != StopToolUse || resp.InputTokens != 33 || resp.OutputTokens != 8 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.CreatedAt.Unix() != 1700000000 {
		t.Errorf("CreatedAt = %v", resp.CreatedAt)
	}
}

func TestOpenAIClient_Stream(t *testing.T) {
	chunks := []string{
		`{"model":"gpt-test","choices":[{"delta":{"role":"assistant","content":"Let me "}}]}`,
		`{"choices":[{"delta":{"content":"look."}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"conversations_history","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"channel_id\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"#ops\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":4}}`,
		`[DONE]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("stream request = %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
	}))
	defer srv.Close()

	var tokens strings.Builder
	var starts int
	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL})
	resp, err := c.ChatStream(context.Background(), "gpt-test", []Message{{Role: RoleUser, Content: "ops?"}}, nil, func(ev StreamEvent) {
		switch ev.Kind {
		case KindToken:
			tokens.WriteString(ev.Token)
		case KindToolCallStart:
			starts++
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if tokens.String() != "Let me look." || resp.Message.Content != "Let me look." {
		t.Errorf("tokens = %q content = %q", tokens.String(), resp.Message.Content)
	}
	if starts != 1 || len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("starts = %d, calls = %+v", starts, resp.Message.ToolCalls)
	}
	if resp.Message.ToolCalls[0].Function.Arguments["channel_id"] != "#ops" {
		t.Errorf("arguments = %v", resp.Message.ToolCalls[0].Function.Arguments)
	}
	if resp.InputTokens != 5 || resp.OutputTokens != 4 || resp.StopReason != StopToolUse {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAIClient_ErrorsAndPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			fmt.Fprint(w, `{"data":[]}`)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
		}
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	_, err := c.Chat(context.Background(), "gpt-test", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "slow down") {
		t.Errorf("Chat = %v, want 429 with body", err)
	}
}

func TestConvertFromOpenAI_NoChoices(t *testing.T) {
	if _, err := convertFromOpenAI(&openaiResponse{}); err == nil {
		t.Error("expected error for empty choices")
	}
}
