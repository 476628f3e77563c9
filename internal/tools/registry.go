package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/mcpagent/internal/mcp"
)

// Tool is a tool definition as presented to the language model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCaller is the subset of an MCP client the registry and the
// dispatcher need. *mcp.Client satisfies it.
type ToolCaller interface {
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Sessions hands out the client of the active session and replaces a
// session that has gone stale.
type Sessions interface {
	Current(ctx context.Context) (ToolCaller, mcp.Session, error)
	Reestablish(ctx context.Context, staleID string) (mcp.Session, error)
}

// FromManager adapts an *mcp.Manager to Sessions.
func FromManager(m *mcp.Manager) Sessions {
	return managerSessions{m: m}
}

type managerSessions struct{ m *mcp.Manager }

func (s managerSessions) Current(ctx context.Context) (ToolCaller, mcp.Session, error) {
	c, sess, err := s.m.Current(ctx)
	if err != nil {
		return nil, sess, err
	}
	return c, sess, nil
}

func (s managerSessions) Reestablish(ctx context.Context, staleID string) (mcp.Session, error) {
	return s.m.Reestablish(ctx, staleID)
}

// Registry caches the tools/list result of the current session. The
// list is fetched once per session id and kept in server order; a new
// session id triggers a fresh fetch.
type Registry struct {
	sessions Sessions
	logger   *slog.Logger
	include  map[string]bool
	exclude  map[string]bool

	mu        sync.RWMutex
	sessionID string
	order     []string
	tools     map[string]*Tool
	loadMu    sync.Mutex
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Include, when non-empty, limits the registry to these tool names.
	Include []string
	// Exclude hides tools by name. Ignored when Include is set.
	Exclude []string
	Logger  *slog.Logger
}

// NewRegistry creates a registry backed by sessions.
func NewRegistry(sessions Sessions, cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: sessions,
		logger:   logger,
		include:  toSet(cfg.Include),
		exclude:  toSet(cfg.Exclude),
		tools:    make(map[string]*Tool),
	}
}

// List returns the tools of the current session, establishing the
// session and calling tools/list if this session has not been listed
// yet. Repeated calls within one session return the same sequence.
func (r *Registry) List(ctx context.Context) ([]*Tool, error) {
	caller, sess, err := r.sessions.Current(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.ensure(ctx, caller, sess.ID, false); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Refresh discards the cached list and fetches it again from the
// current session.
func (r *Registry) Refresh(ctx context.Context) ([]*Tool, error) {
	caller, sess, err := r.sessions.Current(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.ensure(ctx, caller, sess.ID, true); err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// load makes sure the cache belongs to sessionID, fetching with caller
// when it does not.
func (r *Registry) load(ctx context.Context, caller ToolCaller, sessionID string) error {
	return r.ensure(ctx, caller, sessionID, false)
}

func (r *Registry) ensure(ctx context.Context, caller ToolCaller, sessionID string, force bool) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if !force && r.SessionID() == sessionID {
		return nil
	}

	defs, err := caller.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	order := make([]string, 0, len(defs))
	byName := make(map[string]*Tool, len(defs))
	for _, td := range defs {
		if !r.allowed(td.Name) {
			continue
		}
		if _, dup := byName[td.Name]; dup {
			r.logger.Warn("duplicate tool name in tools/list", "tool", td.Name)
			continue
		}
		params := td.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		byName[td.Name] = &Tool{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  params,
		}
		order = append(order, td.Name)
	}

	r.mu.Lock()
	r.sessionID = sessionID
	r.order = order
	r.tools = byName
	r.mu.Unlock()

	r.logger.Debug("tool registry loaded",
		"session_id", sessionID,
		"tools", len(order),
		"filtered", len(defs)-len(order),
	)
	return nil
}

func (r *Registry) allowed(name string) bool {
	if len(r.include) > 0 {
		return r.include[name]
	}
	return !r.exclude[name]
}

func (r *Registry) snapshot() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Get returns a cached tool by name. It never contacts the server.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t, nil
	}
	return nil, &UnknownToolError{Name: name}
}

// SessionID returns the session the cached list belongs to, or "" if
// nothing has been loaded.
func (r *Registry) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// Names returns the cached tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Functions returns the cached tools in the function-calling format
// expected by the llm package, in server order.
func (r *Registry) Functions() []map[string]any {
	list := r.snapshot()
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
