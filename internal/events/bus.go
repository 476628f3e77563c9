// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the session manager, RPC client, tool
// dispatcher, and agent loop to subscribers such as the debug server's
// WebSocket stream. The bus is nil-safe: calling Publish or Emit on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the MCP session manager.
	SourceSession = "session"
	// SourceRPC identifies events from the JSON-RPC client.
	SourceRPC = "rpc"
	// SourceDispatch identifies events from the tool dispatcher.
	SourceDispatch = "dispatch"
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceHealth identifies events from the health watchers.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionEstablishing signals the start of a handshake.
	// Data: transport.
	KindSessionEstablishing = "session_establishing"
	// KindSessionEstablished signals a session became active.
	// Data: session_id, transport, elapsed_ms.
	KindSessionEstablished = "session_established"
	// KindSessionFailed signals a handshake that never completed.
	// Data: transport, error.
	KindSessionFailed = "session_failed"
	// KindSessionInvalidated signals an active session was lost.
	// Data: session_id, error.
	KindSessionInvalidated = "session_invalidated"
	// KindSessionClosed signals an explicit shutdown.
	// Data: session_id.
	KindSessionClosed = "session_closed"

	// KindRPCTimeout signals a request that got no response in time.
	// Data: id, method, timeout_ms.
	KindRPCTimeout = "rpc_timeout"
	// KindRPCDropped signals a response with no pending request.
	// Data: id.
	KindRPCDropped = "rpc_dropped"

	// KindToolCall signals the start of a tool invocation.
	// Data: tool, session_id.
	KindToolCall = "tool_call"
	// KindToolRetry signals a retry after session re-establishment.
	// Data: tool, stale_session_id, session_id.
	KindToolRetry = "tool_retry"
	// KindToolDone signals completion of a tool invocation.
	// Data: tool, ok, is_error, duration_ms.
	KindToolDone = "tool_done"

	// KindRequestStart signals the beginning of an agent run.
	// Data: conversation_id.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of an LLM API call.
	// Data: conversation_id, turn, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of an LLM API call.
	// Data: conversation_id, turn, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindRequestComplete signals the end of an agent run.
	// Data: conversation_id, turns, elapsed_ms, error.
	KindRequestComplete = "request_complete"

	// KindServiceReady signals a watched service became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched service stopped responding.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full, the event is dropped for that subscriber. Safe to call on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. 64 is a reasonable bufSize
// for WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
