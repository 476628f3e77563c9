package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nugget/mcpagent/internal/events"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/metrics"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// RateLimit caps tools/call requests per second. Zero disables it.
	RateLimit float64
	// RateBurst is the limiter burst size.
	RateBurst int
	// MaxConcurrency bounds CallTools fan-out. Zero means unbounded.
	MaxConcurrency int

	Logger  *slog.Logger
	Events  *events.Bus
	Metrics *metrics.Metrics
}

// Dispatcher validates and executes tool calls against the current MCP
// session. A call that fails because the session expired is retried
// exactly once on a re-established session.
type Dispatcher struct {
	sessions Sessions
	registry *Registry
	limiter  *rate.Limiter
	maxConc  int
	logger   *slog.Logger
	events   *events.Bus
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher that validates names against
// registry and calls tools through sessions.
func NewDispatcher(sessions Sessions, registry *Registry, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sessions: sessions,
		registry: registry,
		maxConc:  cfg.MaxConcurrency,
		logger:   logger,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return d
}

// Registry returns the registry used for validation.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// CallTool invokes a tool by name.
//
// Unknown names fail with *UnknownToolError before any request is
// sent, and without touching the session when the tool list is already
// loaded. A *mcp.SessionExpiredError on the first attempt triggers one
// re-establishment and one retry; if that path fails too the error is
// a *ToolInvocationError. Every other error is returned as is.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	start := time.Now()
	d.events.Emit(events.SourceDispatch, events.KindToolCall, map[string]any{"tool": name})

	res, err := d.call(ctx, name, args)

	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case mcp.IsTimeout(err):
		outcome = metrics.OutcomeTimeout
	case mcp.IsSessionExpired(err):
		outcome = metrics.OutcomeExpired
	default:
		outcome = metrics.OutcomeError
	}
	d.metrics.ObserveToolCall(name, outcome, time.Since(start))

	data := map[string]any{
		"tool":        name,
		"outcome":     outcome,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	} else {
		data["attempts"] = res.Attempts
		data["is_error"] = res.IsError
	}
	d.events.Emit(events.SourceDispatch, events.KindToolDone, data)

	return res, err
}

// Functions lists the tools of the current session and returns them in
// the function-calling format. An expired session is re-established
// once before listing again.
func (d *Dispatcher) Functions(ctx context.Context) ([]map[string]any, error) {
	_, err := d.registry.List(ctx)
	if stale, ok := expiredSession(err); ok {
		d.logger.Warn("session expired while listing tools, re-establishing",
			"session_id", stale,
			"error", err,
		)
		if _, rerr := d.sessions.Reestablish(ctx, stale); rerr != nil {
			return nil, fmt.Errorf("list tools: %w", rerr)
		}
		_, err = d.registry.List(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return d.registry.Functions(), nil
}

func (d *Dispatcher) call(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	// A loaded list rejects unknown names even while the session is down.
	if d.registry.SessionID() != "" {
		if _, err := d.registry.Get(name); err != nil {
			return nil, err
		}
	}

	caller, sess, err := d.sessions.Current(ctx)
	if err != nil {
		if stale, ok := expiredSession(err); ok {
			return d.retry(ctx, name, args, stale, 0, err)
		}
		return nil, err
	}

	if err := d.registry.load(ctx, caller, sess.ID); err != nil {
		if mcp.IsSessionExpired(err) {
			return d.retry(ctx, name, args, sess.ID, 0, err)
		}
		return nil, err
	}
	if _, err := d.registry.Get(name); err != nil {
		return nil, err
	}

	raw, err := d.invoke(ctx, caller, name, args)
	if err == nil {
		return normalizeResult(name, sess.ID, 1, raw), nil
	}
	if !mcp.IsSessionExpired(err) {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	return d.retry(ctx, name, args, sess.ID, 1, err)
}

// retry re-establishes the session that failed and runs the call once
// more. attempts counts the tools/call requests already sent.
func (d *Dispatcher) retry(ctx context.Context, name string, args map[string]any, staleID string, attempts int, cause error) (*ToolCallResult, error) {
	d.metrics.RecordToolRetry(name)
	d.events.Emit(events.SourceDispatch, events.KindToolRetry, map[string]any{
		"tool":       name,
		"session_id": staleID,
	})
	d.logger.Warn("session expired during tool call, re-establishing",
		"tool", name,
		"session_id", staleID,
		"error", cause,
	)

	fail := func(err error) (*ToolCallResult, error) {
		return nil, &ToolInvocationError{Tool: name, Attempts: attempts, Err: err}
	}

	if _, err := d.sessions.Reestablish(ctx, staleID); err != nil {
		return fail(err)
	}
	caller, sess, err := d.sessions.Current(ctx)
	if err != nil {
		return fail(err)
	}
	if err := d.registry.load(ctx, caller, sess.ID); err != nil {
		return fail(err)
	}
	if _, err := d.registry.Get(name); err != nil {
		// The new session no longer offers the tool.
		return nil, err
	}

	attempts++
	raw, err := d.invoke(ctx, caller, name, args)
	if err != nil {
		return fail(err)
	}

	d.logger.Info("tool call succeeded after session re-establishment",
		"tool", name,
		"session_id", sess.ID,
	)
	return normalizeResult(name, sess.ID, attempts, raw), nil
}

func (d *Dispatcher) invoke(ctx context.Context, caller ToolCaller, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	return caller.CallTool(ctx, name, args)
}

func expiredSession(err error) (string, bool) {
	var se *mcp.SessionExpiredError
	if errors.As(err, &se) {
		return se.SessionID, true
	}
	return "", false
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Outcome pairs a Call with its result or error.
type Outcome struct {
	Call   Call
	Result *ToolCallResult
	Err    error
}

// CallTools runs calls concurrently and returns their outcomes in
// request order. A failed call does not cancel the others.
func (d *Dispatcher) CallTools(ctx context.Context, calls []Call) []Outcome {
	out := make([]Outcome, len(calls))
	var g errgroup.Group
	if d.maxConc > 0 {
		g.SetLimit(d.maxConc)
	}
	for i, c := range calls {
		g.Go(func() error {
			res, err := d.CallTool(ctx, c.Name, c.Arguments)
			out[i] = Outcome{Call: c, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
