package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nugget/mcpagent/internal/httpkit"
)

// DefaultOpenAIURL is the Chat Completions API base.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIConfig configures an OpenAIClient. Any server implementing the
// Chat Completions API can be used by setting BaseURL.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAIClient is a client for the OpenAI Chat Completions API.
type OpenAIClient struct {
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new Chat Completions client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		httpClient: cfg.HTTPClient,
		logger:     logger.With("provider", "openai"),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultOpenAIURL
	}
	if c.httpClient == nil {
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second
		c.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithBearerToken(cfg.APIKey),
		)
	}
	return c
}

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []map[string]any     `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openaiFunction `json:"function"`
}

// openaiFunction carries arguments as a JSON-encoded string.
type openaiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	Delta        openaiMessage `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openaiResponse struct {
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil
	req := openaiRequest{
		Model:     model,
		Messages:  convertToOpenAI(messages),
		Tools:     tools,
		MaxTokens: c.maxTokens,
		Stream:    stream,
	}
	if stream {
		req.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
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
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("openai API error %d: %s", resp.StatusCode, errBody)
	}

	var result *ChatResponse
	if stream {
		result, err = c.handleStreaming(resp.Body, callback)
	} else {
		var wire openaiResponse
		if err = json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		result, err = convertFromOpenAI(&wire)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

func (c *OpenAIClient) handleStreaming(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		content strings.Builder
		model   string
		finish  string
		usage   openaiUsage
		calls   = map[int]*openaiToolCall{}
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk openaiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if d := choice.Delta.Content; d != nil && *d != "" {
				content.WriteString(*d)
				callback(StreamEvent{Kind: KindToken, Token: *d})
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := calls[idx]
				if !ok {
					acc = &openaiToolCall{}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	wireCalls := make([]openaiToolCall, 0, len(calls))
	for _, idx := range indexes {
		wireCalls = append(wireCalls, *calls[idx])
	}
	toolCalls, err := decodeOpenAIToolCalls(wireCalls)
	if err != nil {
		return nil, err
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		StopReason:   openaiStopReason(finish),
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}
	for i := range toolCalls {
		callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &toolCalls[i]})
	}
	callback(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping lists models to verify the endpoint and API key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from OpenAI API: %d", resp.StatusCode)
	}
	return nil
}

// convertToOpenAI converts messages to the Chat Completions format.
// Tool call arguments are re-encoded as JSON strings.
func convertToOpenAI(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		content := msg.Content
		m := openaiMessage{
			Role:       msg.Role,
			Content:    &content,
			ToolCallID: msg.ToolCallID,
		}
		if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
			if content == "" {
				m.Content = nil
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				raw, _ := json.Marshal(args)
				m.ToolCalls = append(m.ToolCalls, openaiToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openaiFunction{Name: tc.Function.Name, Arguments: string(raw)},
				})
			}
		}
		out = append(out, m)
	}
	return out
}

// convertFromOpenAI converts a non-streaming response.
func convertFromOpenAI(resp *openaiResponse) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}
	choice := resp.Choices[0]

	toolCalls, err := decodeOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, err
	}

	out := &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      RoleAssistant,
			ToolCalls: toolCalls,
		},
		Done:       true,
		StopReason: openaiStopReason(choice.FinishReason),
	}
	if choice.Message.Content != nil {
		out.Message.Content = *choice.Message.Content
	}
	if resp.Created > 0 {
		out.CreatedAt = time.Unix(resp.Created, 0)
	}
	if resp.Usage != nil {
		out.InputTokens = resp.Usage.PromptTokens
		out.OutputTokens = resp.Usage.CompletionTokens
	}
	return out, nil
}

// decodeOpenAIToolCalls parses the JSON-string arguments.
func decodeOpenAIToolCalls(wire []openaiToolCall) ([]ToolCall, error) {
	var calls []ToolCall
	for _, tc := range wire {
		args := map[string]any{}
		if s := strings.TrimSpace(tc.Function.Arguments); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				return nil, fmt.Errorf("decode arguments for tool %q: %w", tc.Function.Name, err)
			}
		}
		calls = append(calls, NewToolCall(tc.ID, tc.Function.Name, args))
	}
	return calls, nil
}

func openaiStopReason(finish string) string {
	switch finish {
	case "stop":
		return StopEndTurn
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	}
	return finish
}
