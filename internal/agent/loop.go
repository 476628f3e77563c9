// Package agent implements the conversational loop that lets an LLM
// call MCP tools.
//
// Each Run appends the user's message to a Conversation, offers the
// session's tools to the model, dispatches the tool calls it requests,
// feeds the results back as tool turns, and repeats until the model
// answers without requesting tools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcpagent/internal/events"
	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/metrics"
	"github.com/nugget/mcpagent/internal/tools"
)

// ErrMaxTurns is returned when the model still requests tools after
// the caller's turn limit.
var ErrMaxTurns = errors.New("agent: maximum turns exceeded")

// EmptyResponseNudge is sent once when the model returns neither text
// nor tool calls after using tools.
const EmptyResponseNudge = "You returned an empty response. Please answer the user's " +
	"last message using the tool results above."

// Finish reasons reported in Response and metrics.
const (
	FinishStop     = "stop"
	FinishMaxTurns = "max_turns"
	FinishError    = "error"
)

// Toolbox exposes the tools of the current MCP session.
// *tools.Dispatcher implements it.
type Toolbox interface {
	Functions(ctx context.Context) ([]map[string]any, error)
	CallTools(ctx context.Context, calls []tools.Call) []tools.Outcome
}

// Config configures a Loop.
type Config struct {
	// Model is passed to the LLM client.
	Model string
	// Context adds per-request system context. Optional.
	Context ContextProvider

	Logger  *slog.Logger
	Events  *events.Bus
	Metrics *metrics.Metrics
}

// Response is the outcome of one Run.
type Response struct {
	RequestID    string `json:"request_id"`
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	Turns        int    `json:"turns"`
	ToolCalls    int    `json:"tool_calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Loop is the agent execution loop. It holds no conversation state;
// conversations are passed to Run.
type Loop struct {
	llm     llm.Client
	tools   Toolbox
	model   string
	context ContextProvider
	logger  *slog.Logger
	events  *events.Bus
	metrics *metrics.Metrics
}

// NewLoop creates a loop that talks to client and calls tools from tb.
func NewLoop(client llm.Client, tb Toolbox, cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		llm:     client,
		tools:   tb,
		model:   cfg.Model,
		context: cfg.Context,
		logger:  logger,
		events:  cfg.Events,
		metrics: cfg.Metrics,
	}
}

// generateRequestID returns a short id like "r_1a2b3c4d" for log
// correlation.
func generateRequestID() string {
	return "r_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Run processes one user message. maxTurns bounds the LLM round trips;
// zero means unbounded. When the model still requests tools on the
// last allowed turn, those calls are not dispatched and Run returns
// ErrMaxTurns along with the partial Response.
func (l *Loop) Run(ctx context.Context, conv *Conversation, userInput string, maxTurns int) (*Response, error) {
	return l.RunStream(ctx, conv, userInput, maxTurns, nil)
}

// RunStream is Run with streaming. callback receives the events of
// every LLM call made during the run.
func (l *Loop) RunStream(ctx context.Context, conv *Conversation, userInput string, maxTurns int, callback llm.StreamCallback) (*Response, error) {
	start := time.Now()
	resp := &Response{
		RequestID: generateRequestID(),
		Model:     l.model,
	}
	log := l.logger.With("request_id", resp.RequestID, "conversation_id", conv.ID)

	l.events.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"conversation_id": conv.ID,
		"request_id":      resp.RequestID,
	})
	log.Info("agent run started", "turns_so_far", conv.Len(), "max_turns", maxTurns)

	conv.Append(llm.Message{Role: llm.RoleUser, Content: userInput})

	err := l.run(ctx, log, conv, userInput, maxTurns, callback, resp)
	switch {
	case err == nil:
		resp.FinishReason = FinishStop
	case errors.Is(err, ErrMaxTurns):
		resp.FinishReason = FinishMaxTurns
	default:
		resp.FinishReason = FinishError
	}
	l.metrics.RecordAgentRun(resp.FinishReason, resp.Turns)

	data := map[string]any{
		"conversation_id": conv.ID,
		"request_id":      resp.RequestID,
		"turns":           resp.Turns,
		"elapsed_ms":      time.Since(start).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		log.Warn("agent run failed", "turns", resp.Turns, "error", err)
	} else {
		log.Info("agent run completed",
			"turns", resp.Turns,
			"tool_calls", resp.ToolCalls,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}
	l.events.Emit(events.SourceAgent, events.KindRequestComplete, data)

	return resp, err
}

func (l *Loop) run(ctx context.Context, log *slog.Logger, conv *Conversation, userInput string, maxTurns int, callback llm.StreamCallback, resp *Response) error {
	var extra string
	haveContext := false
	nudged := false
	usedTools := false
	for {
		fns, err := l.tools.Functions(ctx)
		if err != nil {
			return err
		}
		// Listing may have established the session the context describes.
		if !haveContext {
			haveContext = true
			if l.context != nil {
				extra, _ = l.context.GetContext(ctx, userInput)
			}
		}

		resp.Turns++
		turn := resp.Turns
		l.events.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"conversation_id": conv.ID,
			"turn":            turn,
			"model":           l.model,
		})
		log.Debug("calling LLM", "turn", turn, "messages", conv.Len(), "tools", len(fns))

		out, err := l.chat(ctx, withSystemContext(conv.Messages(), extra), fns, callback)
		if err != nil {
			return fmt.Errorf("llm turn %d: %w", turn, err)
		}
		resp.InputTokens += out.InputTokens
		resp.OutputTokens += out.OutputTokens
		if out.Model != "" {
			resp.Model = out.Model
		}
		l.events.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"conversation_id": conv.ID,
			"turn":            turn,
			"tokens_in":       out.InputTokens,
			"tokens_out":      out.OutputTokens,
			"tool_calls":      len(out.Message.ToolCalls),
		})

		msg := out.Message
		msg.Role = llm.RoleAssistant
		msg.ToolCalls = withCallIDs(msg.ToolCalls, turn)

		if len(msg.ToolCalls) == 0 {
			if strings.TrimSpace(msg.Content) == "" && usedTools && !nudged && (maxTurns == 0 || turn < maxTurns) {
				log.Warn("empty response after tool use, nudging", "turn", turn)
				nudged = true
				conv.Append(llm.Message{Role: llm.RoleUser, Content: EmptyResponseNudge})
				continue
			}
			conv.Append(msg)
			resp.Content = msg.Content
			return nil
		}

		if maxTurns > 0 && turn >= maxTurns {
			resp.Content = msg.Content
			log.Warn("turn limit reached with pending tool calls",
				"max_turns", maxTurns,
				"pending", len(msg.ToolCalls),
			)
			return ErrMaxTurns
		}

		conv.Append(msg)
		conv.Append(l.dispatch(ctx, log, msg.ToolCalls, callback)...)
		resp.ToolCalls += len(msg.ToolCalls)
		usedTools = true
	}
}

func (l *Loop) chat(ctx context.Context, msgs []llm.Message, fns []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	if callback != nil {
		return l.llm.ChatStream(ctx, l.model, msgs, fns, callback)
	}
	return l.llm.Chat(ctx, l.model, msgs, fns)
}

// dispatch runs the requested tool calls and returns one tool turn per
// call, in request order. Failures become {"error": "..."} turns.
func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, requested []llm.ToolCall, callback llm.StreamCallback) []llm.Message {
	calls := make([]tools.Call, len(requested))
	for i, tc := range requested {
		calls[i] = tools.Call{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	}

	outcomes := l.tools.CallTools(ctx, calls)

	msgs := make([]llm.Message, len(outcomes))
	for i, o := range outcomes {
		var content string
		if o.Err != nil {
			log.Warn("tool call failed", "tool", o.Call.Name, "error", o.Err)
			content = errorContent(o.Err)
		} else {
			log.Debug("tool call completed",
				"tool", o.Call.Name,
				"is_error", o.Result.IsError,
				"attempts", o.Result.Attempts,
			)
			content = o.Result.Text()
		}
		msgs[i] = llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: o.Call.ID}

		if callback != nil {
			ev := llm.StreamEvent{Kind: llm.KindToolCallDone, ToolName: o.Call.Name, ToolResult: content}
			if o.Err != nil {
				ev.ToolError = o.Err.Error()
			} else if o.Result.IsError {
				ev.ToolError = content
			}
			callback(ev)
		}
	}
	return msgs
}

// withCallIDs fills in ids the provider left empty, so the assistant
// turn and the tool turns answering it carry the same id.
func withCallIDs(calls []llm.ToolCall, turn int) []llm.ToolCall {
	var out []llm.ToolCall
	for i, tc := range calls {
		if tc.ID != "" {
			continue
		}
		if out == nil {
			out = append([]llm.ToolCall(nil), calls...)
		}
		out[i].ID = fmt.Sprintf("call_%d_%d", turn, i)
	}
	if out == nil {
		return calls
	}
	return out
}

func errorContent(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

// withSystemContext returns msgs with extra appended to the system
// prompt, adding a system message when there is none. msgs is not
// modified.
func withSystemContext(msgs []llm.Message, extra string) []llm.Message {
	if extra == "" {
		return msgs
	}
	if len(msgs) > 0 && msgs[0].Role == llm.RoleSystem {
		out := append([]llm.Message(nil), msgs...)
		out[0].Content = strings.TrimSpace(out[0].Content + "\n\n" + extra)
		return out
	}
	return append([]llm.Message{{Role: llm.RoleSystem, Content: extra}}, msgs...)
}
