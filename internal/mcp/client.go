package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/mcpagent/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version advertised during
// initialization.
const ProtocolVersion = "2024-11-05"

// MCP method names.
var (
	methodInitialize    = string(mcplib.MethodInitialize)
	methodPing          = string(mcplib.MethodPing)
	methodToolsList     = string(mcplib.MethodToolsList)
	methodToolsCall     = string(mcplib.MethodToolsCall)
	methodResourcesList = string(mcplib.MethodResourcesList)
)

const notificationInitialized = "notifications/initialized"

// maxListPages stops a server that keeps returning cursors.
const maxListPages = 100

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// CallToolResult is the raw result payload of tools/call. Content
// blocks are kept undecoded; the tools package normalizes them.
type CallToolResult struct {
	Content           []json.RawMessage `json:"content"`
	IsError           bool              `json:"isError,omitempty"`
	StructuredContent json.RawMessage   `json:"structuredContent,omitempty"`
}

// Resource is an entry from resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ServerInfo identifies the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the initialize response result.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
	Instructions    string         `json:"instructions,omitempty"`
}

type toolsListResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type resourcesListResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// Client provides typed access to MCP operations over one session.
type Client struct {
	name   string
	rpc    *RPCClient
	logger *slog.Logger

	mu     sync.RWMutex
	server *InitializeResult
}

// NewClient creates an MCP client for the named server on top of an
// RPC client.
func NewClient(name string, rpc *RPCClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:   name,
		rpc:    rpc,
		logger: logger.With("session_id", rpc.SessionID()),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// SessionID returns the session this client is bound to.
func (c *Client) SessionID() string { return c.rpc.SessionID() }

// RPC returns the underlying request multiplexer.
func (c *Client) RPC() *RPCClient { return c.rpc }

// Server returns the initialize result, or nil before Initialize.
func (c *Client) Server() *InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	raw, err := c.rpc.Call(ctx, methodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.server = &result
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.rpc.Notify(ctx, notificationInitialized, nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return &result, nil
}

// ListTools calls tools/list, following pagination cursors, and returns
// every tool in server order.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var tools []ToolDefinition
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.rpc.Call(ctx, methodToolsList, params)
		if err != nil {
			return nil, err
		}
		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" || result.NextCursor == cursor {
			c.logger.Debug("discovered MCP tools", "count", len(tools))
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return nil, fmt.Errorf("tools/list: more than %d pages", maxListPages)
}

// CallTool invokes a tool by name. A result with IsError set is still
// a successful call; the content describes the tool-level failure.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.rpc.Call(ctx, methodToolsCall, params)
	if err != nil {
		return nil, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// ListResources calls resources/list, following pagination cursors.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := c.rpc.Call(ctx, methodResourcesList, params)
		if err != nil {
			return nil, err
		}
		var result resourcesListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
		}
		resources = append(resources, result.Resources...)
		if result.NextCursor == "" || result.NextCursor == cursor {
			return resources, nil
		}
		cursor = result.NextCursor
	}
	return nil, fmt.Errorf("resources/list: more than %d pages", maxListPages)
}

// Ping checks whether the MCP server is responsive. Used by connwatch
// for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.rpc.Call(ctx, methodPing, nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.rpc.Close()
}
