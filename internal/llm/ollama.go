package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/mcpagent/internal/httpkit"
)

// DefaultOllamaURL is used when OllamaConfig.BaseURL is empty.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &OllamaClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		logger:     logger.With("provider", "ollama"),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultOllamaURL
	}
	if c.httpClient == nil {
		// Large models with tools need time.
		c.httpClient = httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute))
	}
	return c
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaWireMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ollamaWireResponse is the /api/chat response and stream chunk format.
type ollamaWireResponse struct {
	Model      string            `json:"model"`
	CreatedAt  string            `json:"created_at"`
	Message    ollamaWireMessage `json:"message"`
	Done       bool              `json:"done"`
	DoneReason string            `json:"done_reason,omitempty"`

	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

// toChatResponse converts wire units (RFC 3339 strings, nanosecond
// integers) to Go types.
func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model: w.Model,
		Message: Message{
			Role:      w.Message.Role,
			Content:   w.Message.Content,
			ToolCalls: w.Message.ToolCalls,
		},
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	switch w.DoneReason {
	case "length":
		resp.StopReason = StopMaxTokens
	case "stop", "":
		if w.Done {
			resp.StopReason = StopEndTurn
		}
	default:
		resp.StopReason = w.DoneReason
	}
	return resp
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request to Ollama. If callback is non-nil
// the response is streamed and tokens are delivered to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	jsonData, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var final *ChatResponse
	if !stream {
		var wire ollamaWireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		final = wire.toChatResponse()
	} else {
		final, err = c.readStream(resp.Body, callback)
		if err != nil {
			return nil, err
		}
	}

	// Some models write tool calls into the content instead of using
	// the native tool_calls field.
	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("parsed tool calls from content", "count", len(parsed))
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
		}
	}
	if len(final.Message.ToolCalls) > 0 {
		final.StopReason = StopToolUse
	}
	if final.Message.Role == "" {
		final.Message.Role = RoleAssistant
	}

	c.logger.Debug("response received",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(final.Message.ToolCalls),
	)
	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: final})
	}
	return final, nil
}

// readStream accumulates newline-delimited JSON chunks.
func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var (
		content   strings.Builder
		toolCalls []ToolCall
	)
	decoder := json.NewDecoder(body)
	for {
		var chunk ollamaWireResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("stream ended before done")
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		toolCalls = append(toolCalls, chunk.Message.ToolCalls...)

		if chunk.Done {
			final := chunk.toChatResponse()
			final.Message.Content = content.String()
			final.Message.ToolCalls = toolCalls
			return final, nil
		}
	}
}

// textToolCall is the JSON shape models use for tool calls in content.
type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolPrefixRe matches "tool_name {" at the start of content.
var toolPrefixRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.\-]*)\s*\{`)

// parseTextToolCalls attempts to extract tool calls from content text.
// Many models output tool calls as JSON in the content rather than using
// the native tool_calls field. This function handles common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Concatenated objects: {...}{...}, trailing prose ignored
//   - Tagged: <tool_call>...</tool_call>
//   - Name then arguments: tool_name {"key": "value"}
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var found []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &found); err != nil {
			return nil
		}
	case strings.HasPrefix(content, "{"):
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var call textToolCall
			if err := dec.Decode(&call); err != nil || call.Name == "" {
				break
			}
			found = append(found, call)
		}
	default:
		m := toolPrefixRe.FindStringSubmatch(content)
		if m == nil {
			return nil
		}
		var args map[string]any
		dec := json.NewDecoder(strings.NewReader(content[len(m[0])-1:]))
		if err := dec.Decode(&args); err != nil {
			return nil
		}
		found = append(found, textToolCall{Name: m[1], Arguments: args})
	}

	valid := make(map[string]bool, len(validTools))
	for _, name := range validTools {
		valid[name] = true
	}

	var result []ToolCall
	for _, call := range found {
		if call.Name == "" {
			continue
		}
		if len(valid) > 0 && !valid[call.Name] {
			continue
		}
		result = append(result, NewToolCall("", call.Name, call.Arguments))
	}
	return result
}

// extractToolNames returns the function names from tool definitions.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	var names []string
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
