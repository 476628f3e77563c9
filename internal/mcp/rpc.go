package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcpagent/internal/events"
	"github.com/nugget/mcpagent/internal/metrics"
)

// levelTrace matches config.LevelTrace; wire frames are logged here.
const levelTrace = slog.Level(-8)

// DefaultCallTimeout bounds a single request when RPCOptions.Timeout
// is zero.
const DefaultCallTimeout = 30 * time.Second

// RPCOptions tunes an RPCClient.
type RPCOptions struct {
	// Timeout bounds each Call. Zero selects DefaultCallTimeout; a
	// negative value disables the per-call timer.
	Timeout time.Duration
	// OnExpired runs when the server rejects the session or the
	// transport fails a send. Optional.
	OnExpired func(error)

	Logger  *slog.Logger
	Events  *events.Bus
	Metrics *metrics.Metrics
}

// RPCClient multiplexes JSON-RPC requests over one transport. Request
// ids start at 1 and are never reused within the client. Responses are
// matched to callers by id regardless of arrival order; a response
// whose request already timed out is dropped.
type RPCClient struct {
	transport Transport
	sessionID string
	timeout   time.Duration
	logger    *slog.Logger
	events    *events.Bus
	metrics   *metrics.Metrics
	onExpired func(error)

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response

	done    chan struct{}
	doneErr error
	once    sync.Once
}

// NewRPCClient wraps an opened transport and starts the listener that
// routes inbound frames.
func NewRPCClient(t Transport, sessionID string, opts RPCOptions) *RPCClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	c := &RPCClient{
		transport: t,
		sessionID: sessionID,
		timeout:   timeout,
		logger:    logger.With("session_id", sessionID),
		events:    opts.Events,
		metrics:   opts.Metrics,
		onExpired: opts.OnExpired,
		pending:   make(map[int64]chan *Response),
		done:      make(chan struct{}),
	}
	go c.listen()
	return c
}

// SessionID returns the session this client is bound to.
func (c *RPCClient) SessionID() string { return c.sessionID }

// Done is closed once the transport has ended.
func (c *RPCClient) Done() <-chan struct{} { return c.done }

// Err returns why the client stopped, or nil while it is running.
func (c *RPCClient) Err() error {
	select {
	case <-c.done:
		return c.doneErr
	default:
		return nil
	}
}

// Pending returns the number of requests awaiting a response.
func (c *RPCClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a request with the client's default timeout and waits for
// the matching response. Errors: *TimeoutError when no response arrives
// in time, *RPCError for a protocol error reply, and
// *SessionExpiredError when the server rejects the session or the
// transport has ended.
func (c *RPCClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, method, params, c.timeout)
}

// CallWithTimeout is Call with an explicit bound. A timeout <= 0 waits
// until ctx is done or the transport ends.
func (c *RPCClient) CallWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.Err(); err != nil {
		return nil, c.expired(err)
	}

	id := c.nextID.Add(1)
	frame, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	start := time.Now()
	outcome := metrics.OutcomeError
	defer func() { c.metrics.ObserveRPC(method, outcome, time.Since(start)) }()

	c.logger.Log(ctx, levelTrace, "rpc send", "id", id, "method", method, "frame", string(frame))

	if err := c.transport.Send(ctx, frame); err != nil {
		c.forget(id)
		err = c.classifySendError(err)
		if IsSessionExpired(err) {
			outcome = metrics.OutcomeExpired
			c.reportExpired(err)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp := <-ch:
		return c.result(method, resp, &outcome)
	case <-timer:
		if !c.forget(id) {
			// Delivered between the timer firing and removal.
			return c.result(method, <-ch, &outcome)
		}
		outcome = metrics.OutcomeTimeout
		c.logger.Warn("rpc request timed out", "id", id, "method", method, "timeout", timeout)
		c.events.Emit(events.SourceRPC, events.KindRPCTimeout, map[string]any{
			"id":         id,
			"method":     method,
			"timeout_ms": timeout.Milliseconds(),
		})
		return nil, &TimeoutError{Method: method, ID: id, Timeout: timeout}
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		select {
		case resp := <-ch:
			return c.result(method, resp, &outcome)
		default:
		}
		c.forget(id)
		outcome = metrics.OutcomeExpired
		return nil, fmt.Errorf("%s: %w", method, c.expired(c.doneErr))
	}
}

func (c *RPCClient) result(method string, resp *Response, outcome *string) (json.RawMessage, error) {
	if resp.Error != nil {
		err := classifyRPCError(c.sessionID, resp.Error)
		if IsSessionExpired(err) {
			*outcome = metrics.OutcomeExpired
			c.reportExpired(err)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	*outcome = metrics.OutcomeOK
	return resp.Result, nil
}

// Notify sends a notification; no response is expected.
func (c *RPCClient) Notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return c.expired(err)
	}
	frame, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	c.logger.Log(ctx, levelTrace, "rpc notify", "method", method)
	if err := c.transport.Send(ctx, frame); err != nil {
		err = c.classifySendError(err)
		if IsSessionExpired(err) {
			c.reportExpired(err)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Close shuts down the transport. Calls still waiting fail with
// *SessionExpiredError.
func (c *RPCClient) Close() error {
	err := c.transport.Close()
	c.stop(ErrClosed)
	return err
}

// reportExpired passes a session rejection to the OnExpired hook.
func (c *RPCClient) reportExpired(err error) {
	if c.onExpired != nil {
		c.onExpired(err)
	}
}

func (c *RPCClient) expired(cause error) error {
	return &SessionExpiredError{SessionID: c.sessionID, Err: cause}
}

func (c *RPCClient) classifySendError(err error) error {
	var te *TransportError
	switch {
	case IsSessionExpired(err):
		return err
	case errors.As(err, &te), errors.Is(err, ErrClosed):
		return c.expired(err)
	default:
		return err
	}
}

// forget removes a pending entry. It reports false if the entry was
// already claimed by a delivered response.
func (c *RPCClient) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *RPCClient) stop(err error) {
	c.once.Do(func() {
		c.doneErr = err
		close(c.done)
	})
}

// listen reads frames until the transport ends.
func (c *RPCClient) listen() {
	for {
		frame, err := c.transport.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				c.logger.Warn("transport ended", "error", err)
			}
			c.stop(err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *RPCClient) dispatch(frame []byte) {
	msgs, err := decodeInbound(frame)
	if err != nil {
		c.logger.Debug("dropping malformed frame", "error", err, "frame", string(frame))
		return
	}
	for i := range msgs {
		msg := &msgs[i]
		switch {
		case msg.isRequest():
			c.handleServerRequest(msg)
		case msg.isNotification():
			c.logger.Debug("server notification", "method", msg.Method)
		default:
			c.deliver(msg)
		}
	}
}

func (c *RPCClient) deliver(msg *inbound) {
	id, ok := msg.numericID()
	if !ok {
		c.logger.Debug("dropping response with unusable id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, found := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !found {
		c.logger.Debug("dropping response with no pending request", "id", id)
		c.metrics.RecordDroppedResponse()
		c.events.Emit(events.SourceRPC, events.KindRPCDropped, map[string]any{"id": id})
		return
	}

	c.logger.Log(context.Background(), levelTrace, "rpc receive", "id", id)
	ch <- &Response{
		JSONRPC: msg.JSONRPC,
		ID:      id,
		Result:  msg.Result,
		Error:   msg.Error,
	}
}

// handleServerRequest answers server-initiated requests. Only ping is
// supported. The reply is sent asynchronously so a blocking Send
// cannot stall the listener.
func (c *RPCClient) handleServerRequest(msg *inbound) {
	reply := serverReply{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if msg.Method == methodPing {
		reply.Result = struct{}{}
	} else {
		reply.Error = &RPCError{
			Code:    CodeMethodNotFound,
			Message: "method not found: " + msg.Method,
		}
	}
	frame, err := json.Marshal(reply)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.transport.Send(ctx, frame); err != nil {
			c.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
		}
	}()
}
