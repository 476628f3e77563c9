package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mcpagent/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicPingModel  = "claude-3-5-haiku-latest"
)

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey string
	// BaseURL overrides the Messages endpoint.
	BaseURL string
	// MaxTokens caps each response (default 4096).
	MaxTokens int
	// PingModel is the model used by Ping.
	PingModel  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	url        string
	maxTokens  int
	pingModel  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &AnthropicClient{
		apiKey:     cfg.APIKey,
		url:        cfg.BaseURL,
		maxTokens:  cfg.MaxTokens,
		pingModel:  cfg.PingModel,
		httpClient: cfg.HTTPClient,
		logger:     logger.With("provider", "anthropic"),
	}
	if c.url == "" {
		c.url = anthropicAPIURL
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 4096
	}
	if c.pingModel == "" {
		c.pingModel = anthropicPingModel
	}
	if c.httpClient == nil {
		// LLM responses can take significant time before sending
		// headers, so the transport gets a generous header timeout.
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second

		// No global timeout: streaming responses can be long-lived.
		// Rely on ctx deadlines/cancellation for timeout control.
		c.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)
	}
	return c
}

// Anthropic request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // tool_result text
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role"`
	Content      []anthropicContent `json:"content"`
	Model        string             `json:"model"`
	StopReason   string             `json:"stop_reason"`
	StopSequence *string            `json:"stop_sequence"`
	Usage        anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSE event types for streaming
type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// Chat sends a non-streaming chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	// Convert messages and extract system prompt
	anthropicMsgs, systemPrompt := convertToAnthropic(messages)
	anthropicTools := convertToolsToAnthropic(tools)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"stream", stream,
		"system_len", len(systemPrompt),
	)

	req := anthropicRequest{
		Model:     model,
		Messages:  anthropicMsgs,
		System:    systemPrompt,
		MaxTokens: c.maxTokens,
		Stream:    stream,
		Tools:     anthropicTools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := c.newRequest(ctx, jsonData)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

// Ping checks if the Anthropic API is reachable. There is no health
// endpoint, so it sends a one-token request to verify the API key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	req := anthropicRequest{
		Model:     c.pingModel,
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, jsonData)
	if err != nil {
		return err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 4096)

	if httpResp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", httpResp.StatusCode)
	}
	return nil
}

func (c *AnthropicClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

func (c *AnthropicClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := convertFromAnthropic(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

func (c *AnthropicClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// tools/call results quoted back into a turn can make long lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var acc anthropicStream
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			continue
		}
		acc.apply(event, callback)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	resp := acc.response()
	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: resp})
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	return resp, nil
}

// anthropicStream accumulates the events of one streamed message.
type anthropicStream struct {
	model      string
	usage      anthropicUsage
	stopReason string
	text       strings.Builder
	toolCalls  []ToolCall

	// pending is the tool_use block being streamed, if any.
	pending     *anthropicContent
	pendingJSON strings.Builder
}

func (s *anthropicStream) apply(event anthropicStreamEvent, callback StreamCallback) {
	switch event.Type {
	case "message_start":
		if event.Message != nil {
			s.model = event.Message.Model
			s.usage = event.Message.Usage
		}
	case "content_block_start":
		if b := event.ContentBlock; b != nil && b.Type == "tool_use" {
			s.pending = b
			s.pendingJSON.Reset()
		}
	case "content_block_delta":
		if event.Delta == nil {
			return
		}
		switch event.Delta.Type {
		case "text_delta":
			s.text.WriteString(event.Delta.Text)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: event.Delta.Text})
			}
		case "input_json_delta":
			s.pendingJSON.WriteString(event.Delta.PartialJSON)
		}
	case "content_block_stop":
		if s.pending == nil {
			return
		}
		tc := NewToolCall(s.pending.ID, s.pending.Name, decodeToolInput(s.pendingJSON.String()))
		s.toolCalls = append(s.toolCalls, tc)
		s.pending = nil
		if callback != nil {
			callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &tc})
		}
	case "message_delta":
		if event.Delta != nil {
			s.stopReason = event.Delta.StopReason
		}
		if event.Usage != nil {
			s.usage.OutputTokens = event.Usage.OutputTokens
		}
	}
}

func (s *anthropicStream) response() *ChatResponse {
	return &ChatResponse{
		Model: s.model,
		Message: Message{
			Role:      RoleAssistant,
			Content:   s.text.String(),
			ToolCalls: s.toolCalls,
		},
		Done:         true,
		StopReason:   s.stopReason,
		InputTokens:  s.usage.InputTokens,
		OutputTokens: s.usage.OutputTokens,
	}
}

// decodeToolInput parses streamed tool arguments. Arguments that are not
// a JSON object are passed through under "_raw" so the MCP server can
// reject them with its own message.
func decodeToolInput(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

// convertToAnthropic splits the conversation into Anthropic messages and
// a system prompt. Consecutive tool turns answering one assistant turn
// are merged into a single user message of tool_result blocks.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var system []string
	var out []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleUser:
			out = append(out, anthropicMessage{Role: RoleUser, Content: msg.Content})
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, anthropicMessage{Role: RoleAssistant, Content: msg.Content})
				continue
			}
			out = append(out, anthropicMessage{Role: RoleAssistant, Content: toolUseBlocks(msg)})
		case RoleTool:
			out = appendToolResult(out, anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   isErrorTurn(msg.Content),
			})
		}
	}
	return out, strings.Join(system, "\n\n")
}

func toolUseBlocks(msg Message) []anthropicContent {
	blocks := make([]anthropicContent, 0, len(msg.ToolCalls)+1)
	if msg.Content != "" {
		blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if args == nil {
			// The API rejects a tool_use block without an input object.
			args = map[string]any{}
		}
		blocks = append(blocks, anthropicContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: args,
		})
	}
	return blocks
}

func appendToolResult(out []anthropicMessage, block anthropicContent) []anthropicMessage {
	if n := len(out); n > 0 && out[n-1].Role == RoleUser {
		if blocks, ok := out[n-1].Content.([]anthropicContent); ok {
			out[n-1].Content = append(blocks, block)
			return out
		}
	}
	return append(out, anthropicMessage{Role: RoleUser, Content: []anthropicContent{block}})
}

// isErrorTurn reports whether a tool turn is the {"error": "..."} object
// the agent loop writes when a tool call could not be completed.
func isErrorTurn(content string) bool {
	if !strings.HasPrefix(strings.TrimSpace(content), "{") {
		return false
	}
	var v map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &v); err != nil || len(v) != 1 {
		return false
	}
	var msg string
	return json.Unmarshal(v["error"], &msg) == nil && msg != ""
}

// convertToolsToAnthropic converts the function list built from the MCP
// tools/list result into Anthropic tool definitions.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := fn["description"].(string)
		params, _ := fn["parameters"].(map[string]any)
		out = append(out, anthropicTool{
			Name:        name,
			Description: desc,
			InputSchema: anthropicInputSchema(params),
		})
	}
	return out
}

// anthropicInputSchema adapts an MCP inputSchema to what the Messages API
// accepts: an object schema with a properties map and no "$schema"
// dialect marker. The registry's map is not modified.
func anthropicInputSchema(schema map[string]any) map[string]any {
	out := maps.Clone(schema)
	if out == nil {
		out = map[string]any{}
	}
	delete(out, "$schema")
	if t, _ := out["type"].(string); t == "" {
		out["type"] = "object"
	}
	if _, ok := out["properties"].(map[string]any); !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

// convertFromAnthropic converts an Anthropic response to a ChatResponse.
func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var text strings.Builder
	var toolCalls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, ok := block.Input.(map[string]any)
			if !ok || args == nil {
				args = map[string]any{}
			}
			toolCalls = append(toolCalls, NewToolCall(block.ID, block.Name, args))
		}
	}

	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      resp.Role,
			Content:   text.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
