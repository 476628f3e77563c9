package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// wireRequest is a request as the mock server sees it.
type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// mockTransport is an in-memory server. By default it answers each
// request from responses; onRequest overrides that for tests that need
// to delay, reorder, or drop replies.
type mockTransport struct {
	kind      Kind
	sessionID string
	in        *inbox

	mu        sync.Mutex
	responses map[string]*Response
	onRequest func(wireRequest)
	sent      []wireRequest
	notifs    []string
	frames    [][]byte
	openErr   error
	opened    bool
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		kind:      KindStream,
		sessionID: "mock-session",
		in:        newInbox(64),
		responses: make(map[string]*Response),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

// addInitialize registers a standard initialize reply.
func (m *mockTransport) addInitialize() {
	m.addResponse("initialize", InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      ServerInfo{Name: "test-server", Version: "1.0.0"},
	})
}

func (m *mockTransport) Kind() Kind { return m.kind }

func (m *mockTransport) Open(context.Context) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return Handle{}, m.openErr
	}
	m.opened = true
	return Handle{SessionID: m.sessionID}, nil
}

func (m *mockTransport) Send(_ context.Context, frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))

	msgs, err := decodeInbound(frame)
	if err != nil || len(msgs) != 1 {
		m.mu.Unlock()
		return fmt.Errorf("mock: bad frame %s", frame)
	}
	msg := msgs[0]
	if msg.Method == "" {
		// Reply to a server-initiated request.
		m.mu.Unlock()
		return nil
	}
	if !msg.hasID() {
		m.notifs = append(m.notifs, msg.Method)
		m.mu.Unlock()
		return nil
	}

	id, _ := msg.numericID()
	req := wireRequest{ID: id, Method: msg.Method, Params: msg.Params}
	m.sent = append(m.sent, req)
	hook := m.onRequest
	resp, ok := m.responses[req.Method]
	m.mu.Unlock()

	if hook != nil {
		hook(req)
		return nil
	}
	if !ok {
		m.reply(req.ID, nil, &RPCError{Code: CodeMethodNotFound, Message: "unexpected method: " + req.Method})
		return nil
	}
	m.reply(req.ID, resp.Result, resp.Error)
	return nil
}

// reply pushes a response frame for id.
func (m *mockTransport) reply(id int64, result json.RawMessage, rpcErr *RPCError) {
	frame, _ := json.Marshal(Response{JSONRPC: jsonrpcVersion, ID: id, Result: result, Error: rpcErr})
	m.in.push(frame)
}

// push queues a raw inbound frame.
func (m *mockTransport) push(frame string) {
	m.in.push([]byte(frame))
}

// die ends the channel as if the server went away.
func (m *mockTransport) die(err error) {
	m.in.close(&TransportError{Op: "read", Err: err})
}

func (m *mockTransport) Receive(ctx context.Context) ([]byte, error) {
	return m.in.receive(ctx)
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.in.close(ErrClosed)
	return nil
}

func (m *mockTransport) requests() []wireRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]wireRequest(nil), m.sent...)
}

func (m *mockTransport) methods() []string {
	var out []string
	for _, r := range m.requests() {
		out = append(out, r.Method)
	}
	return out
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
