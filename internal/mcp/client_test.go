package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func newTestClient(t *testing.T, mt *mockTransport) *Client {
	t.Helper()
	rpc := NewRPCClient(mt, mt.sessionID, RPCOptions{})
	client := NewClient("test", rpc, nil)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addInitialize()

	client := newTestClient(t, mt)
	result, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if got := mt.methods(); !reflect.DeepEqual(got, []string{"initialize"}) {
		t.Errorf("requests = %v, want [initialize]", got)
	}
	if len(mt.notifs) != 1 || mt.notifs[0] != "notifications/initialized" {
		t.Errorf("notifications = %v, want [notifications/initialized]", mt.notifs)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("server name = %q, want %q", result.ServerInfo.Name, "test-server")
	}
	if client.Server() == nil || client.Server().ServerInfo.Version != "1.0.0" {
		t.Errorf("Server() = %+v, want captured initialize result", client.Server())
	}

	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	if err := json.Unmarshal(mt.requests()[0].Params, &params); err != nil {
		t.Fatalf("unmarshal initialize params: %v", err)
	}
	if params.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q, want 2024-11-05", params.ProtocolVersion)
	}
	if params.ClientInfo.Name != "mcpagent" {
		t.Errorf("clientInfo.name = %q, want mcpagent", params.ClientInfo.Name)
	}
}

func TestClient_ListTools_Paginated(t *testing.T) {
	mt := newMockTransport()
	mt.onRequest = func(req wireRequest) {
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(req.Params, &p)
		var result toolsListResult
		if p.Cursor == "" {
			result = toolsListResult{
				Tools:      []ToolDefinition{{Name: "channels_list", InputSchema: map[string]any{"type": "object"}}},
				NextCursor: "page2",
			}
		} else {
			result = toolsListResult{
				Tools: []ToolDefinition{{Name: "conversations_history"}},
			}
		}
		data, _ := json.Marshal(result)
		mt.reply(req.ID, data, nil)
	}

	client := newTestClient(t, mt)
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	var names []string
	for _, td := range tools {
		names = append(names, td.Name)
	}
	want := []string{"channels_list", "conversations_history"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
	if len(mt.requests()) != 2 {
		t.Errorf("sent %d tools/list requests, want 2", len(mt.requests()))
	}
}

func TestClient_ListTools_NotCached(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{{Name: "a"}}})

	client := newTestClient(t, mt)
	for i := 0; i < 2; i++ {
		if _, err := client.ListTools(context.Background()); err != nil {
			t.Fatalf("ListTools: %v", err)
		}
	}
	if len(mt.requests()) != 2 {
		t.Errorf("sent %d requests, want 2; caching belongs to the registry", len(mt.requests()))
	}
}

func TestClient_CallTool_TextResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": "C1,general\nC2,random"},
		},
	})

	client := newTestClient(t, mt)
	result, err := client.CallTool(context.Background(), "channels_list", map[string]any{"limit": 2})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
	if len(result.Content) != 1 {
		t.Fatalf("got %d content blocks, want 1", len(result.Content))
	}

	var sent struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(mt.requests()[0].Params, &sent); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if sent.Name != "channels_list" || sent.Arguments["limit"] != float64(2) {
		t.Errorf("params = %+v", sent)
	}
}

func TestClient_CallTool_NilArgumentsSentAsObject(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", map[string]any{"content": []any{}})

	client := newTestClient(t, mt)
	if _, err := client.CallTool(context.Background(), "channels_list", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var sent map[string]any
	_ = json.Unmarshal(mt.requests()[0].Params, &sent)
	if _, ok := sent["arguments"].(map[string]any); !ok {
		t.Errorf("arguments = %#v, want an empty object", sent["arguments"])
	}
}

func TestClient_CallTool_ErrorResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", map[string]any{
		"content": []map[string]any{{"type": "text", "text": "channel not found"}},
		"isError": true,
	})

	client := newTestClient(t, mt)
	result, err := client.CallTool(context.Background(), "channels_list", nil)
	if err != nil {
		t.Fatalf("CallTool: %v (a tool-level error is not a call failure)", err)
	}
	if !result.IsError {
		t.Error("IsError = false, want true")
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("tools/call", CodeMethodNotFound, "Method not found")

	client := newTestClient(t, mt)
	_, err := client.CallTool(context.Background(), "nope", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestClient_ListResources(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("resources/list", map[string]any{
		"resources": []map[string]any{
			{"uri": "slack://workspace/channels", "name": "channels", "mimeType": "text/csv"},
		},
	})

	client := newTestClient(t, mt)
	res, err := client.ListResources(context.Background())
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(res) != 1 || res[0].URI != "slack://workspace/channels" || res[0].MimeType != "text/csv" {
		t.Errorf("resources = %+v", res)
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("test", NewRPCClient(mt, mt.sessionID, RPCOptions{}), nil)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.isClosed() {
		t.Error("transport not closed")
	}
	if err := client.Ping(context.Background()); !IsSessionExpired(err) {
		t.Errorf("Ping after Close = %v, want session expired", err)
	}
}
