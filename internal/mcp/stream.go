package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcpagent/internal/httpkit"
)

// Stream transport defaults.
const (
	DefaultSSEPath          = "/sse"
	DefaultMessagePath      = "/message"
	DefaultHandshakeTimeout = 10 * time.Second

	// maxPostBody bounds a synchronous POST response body.
	maxPostBody = 10 << 20
	// inboxSize is the number of inbound frames buffered per transport.
	inboxSize = 64
)

// StreamConfig configures an SSE stream transport: a long-lived GET
// event stream for server-to-client messages plus POSTs to the message
// endpoint the server announces.
type StreamConfig struct {
	// URL is the server base URL, e.g. http://localhost:3001.
	URL string

	// SSEPath is appended to URL to open the event stream.
	SSEPath string

	// MessagePath is used with the sessionId fallback when the server
	// does not send a proper endpoint event.
	MessagePath string

	// BearerToken, if set, is sent as "Authorization: Bearer".
	BearerToken string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// UserAgent replaces the default User-Agent when set.
	UserAgent string

	// InsecureSkipVerify disables TLS certificate checks.
	InsecureSkipVerify bool

	// HandshakeTimeout bounds the wait for the endpoint event.
	HandshakeTimeout time.Duration

	// HTTPClient overrides the client used for both the stream and
	// POSTs. It must not impose an overall timeout.
	HTTPClient *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StreamTransport talks to an MCP server over server-sent events. The
// server announces a per-session message endpoint on the stream;
// requests are POSTed there and responses arrive either on the stream
// or in the POST body.
type StreamTransport struct {
	config     StreamConfig
	logger     *slog.Logger
	sseURL     string
	streamHTTP *http.Client
	postHTTP   *http.Client
	inbox      *inbox

	mu         sync.Mutex
	opened     bool
	closed     bool
	endpoint   string
	sessionID  string
	cancel     context.CancelFunc
	streamDone chan struct{}
}

// NewStreamTransport validates cfg and returns an unopened transport.
func NewStreamTransport(cfg StreamConfig) (*StreamTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", cfg.URL)
	}
	if cfg.SSEPath == "" {
		cfg.SSEPath = DefaultSSEPath
	}
	if cfg.MessagePath == "" {
		cfg.MessagePath = DefaultMessagePath
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &StreamTransport{
		config: cfg,
		logger: logger.With("transport", KindStream),
		sseURL: joinPath(cfg.URL, cfg.SSEPath),
		inbox:  newInbox(inboxSize),
	}

	if cfg.HTTPClient != nil {
		t.streamHTTP = cfg.HTTPClient
		t.postHTTP = cfg.HTTPClient
	} else {
		opts := []httpkit.ClientOption{
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
			httpkit.WithBearerToken(cfg.BearerToken),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithUserAgent(cfg.UserAgent),
			httpkit.WithInsecureTLS(cfg.InsecureSkipVerify),
		}
		// The event stream is open for the life of the session.
		t.streamHTTP = httpkit.NewClient(append(slices.Clip(opts), httpkit.WithDedicatedConn())...)
		t.postHTTP = httpkit.NewClient(append(slices.Clip(opts), httpkit.WithRetry(2, 250*time.Millisecond))...)
	}
	return t, nil
}

// Kind implements Transport.
func (t *StreamTransport) Kind() Kind { return KindStream }

// Endpoint returns the announced message endpoint, or "" before Open.
func (t *StreamTransport) Endpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

type endpointResult struct {
	endpoint  string
	sessionID string
	err       error
}

// Open connects the event stream and waits for the endpoint
// announcement. It fails with *SessionEstablishmentError if the stream
// cannot be opened or no endpoint arrives within HandshakeTimeout.
func (t *StreamTransport) Open(ctx context.Context) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Handle{}, ErrClosed
	}
	if t.opened {
		t.mu.Unlock()
		return Handle{}, errors.New("stream transport already opened")
	}
	t.opened = true
	// The stream outlives the Open call; only Close or a failed
	// handshake cancel it.
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.streamDone = make(chan struct{})
	t.mu.Unlock()

	ready := make(chan endpointResult, 1)
	go t.run(streamCtx, ready)

	timer := time.NewTimer(t.config.HandshakeTimeout)
	defer timer.Stop()

	fail := func(err error) (Handle, error) {
		cancel()
		t.inbox.close(&TransportError{Op: "open", Err: err})
		return Handle{}, &SessionEstablishmentError{Transport: KindStream, Err: err}
	}

	select {
	case res := <-ready:
		if res.err != nil {
			return fail(res.err)
		}
		t.mu.Lock()
		t.endpoint = res.endpoint
		t.sessionID = res.sessionID
		t.mu.Unlock()
		t.logger.Debug("stream session announced",
			"session_id", res.sessionID,
			"endpoint", res.endpoint,
		)
		return Handle{SessionID: res.sessionID}, nil
	case <-timer.C:
		return fail(fmt.Errorf("no endpoint event within %s", t.config.HandshakeTimeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

// run owns the GET stream. It reports the endpoint on ready, then
// forwards message events to the inbox until the stream ends.
func (t *StreamTransport) run(ctx context.Context, ready chan<- endpointResult) {
	defer close(t.streamDone)

	announced := false
	report := func(err error) {
		if !announced {
			ready <- endpointResult{err: err}
		}
		t.inbox.close(&TransportError{Op: "stream", Err: err})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sseURL, nil)
	if err != nil {
		report(fmt.Errorf("create stream request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.streamHTTP.Do(req)
	if err != nil {
		report(fmt.Errorf("open event stream %s: %w", t.sseURL, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		report(&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(body)})
		return
	}

	scanner := newSSEScanner(resp.Body, maxSSEEventSize)
	for {
		ev, err := scanner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			if ctx.Err() != nil {
				err = ErrClosed
			}
			report(fmt.Errorf("event stream ended: %w", err))
			return
		}

		if !announced {
			endpoint, sessionID, ok := t.endpointFrom(ev)
			if !ok {
				t.logger.Log(ctx, levelTrace, "ignoring event before endpoint",
					"event", ev.Event,
				)
				continue
			}
			announced = true
			ready <- endpointResult{endpoint: endpoint, sessionID: sessionID}
			continue
		}

		switch ev.Event {
		case "", "message":
			if len(bytes.TrimSpace(ev.Data)) == 0 {
				continue
			}
			if !t.inbox.push(ev.Data) {
				return
			}
		case "endpoint":
			t.logger.Debug("ignoring repeated endpoint event", "data", string(ev.Data))
		default:
			t.logger.Log(ctx, levelTrace, "ignoring event", "event", ev.Event)
		}
	}
}

// endpointFrom extracts the message endpoint from an event. A proper
// "endpoint" event carries the POST target. Otherwise, any line
// containing "sessionId=" yields the configured message path with that
// session id.
func (t *StreamTransport) endpointFrom(ev *sseEvent) (endpoint, sessionID string, ok bool) {
	if ev.Event == "endpoint" {
		raw := strings.TrimSpace(string(ev.Data))
		if raw == "" {
			return "", "", false
		}
		base, err := url.Parse(t.sseURL)
		if err != nil {
			return "", "", false
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return "", "", false
		}
		resolved := base.ResolveReference(ref)
		sessionID = resolved.Query().Get("sessionId")
		if sessionID == "" {
			sessionID = resolved.Query().Get("session_id")
		}
		if sessionID == "" {
			sessionID = resolved.String()
		}
		return resolved.String(), sessionID, true
	}

	candidates := append([]string{string(ev.Data)}, ev.Other...)
	for _, line := range candidates {
		if sid := sessionIDMarker(line); sid != "" {
			target := joinPath(t.config.URL, t.config.MessagePath) + "?sessionId=" + url.QueryEscape(sid)
			return target, sid, true
		}
	}
	return "", "", false
}

// sessionIDMarker returns the value following "sessionId=" in line,
// up to the next separator.
func sessionIDMarker(line string) string {
	_, after, found := strings.Cut(line, "sessionId=")
	if !found {
		return ""
	}
	if i := strings.IndexAny(after, "&\"' \t\r\n"); i >= 0 {
		after = after[:i]
	}
	return after
}

// Send POSTs frame to the session's message endpoint. A JSON body in
// the reply is queued for Receive like a stream message.
func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	closed, endpoint, sessionID := t.closed, t.endpoint, t.sessionID
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if endpoint == "" {
		return &TransportError{Op: "send", Err: errors.New("transport not open")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.postHTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "send", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 4096))
		statusErr := &StatusError{Code: resp.StatusCode, Body: body}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone || sessionInvalidMessage(body) {
			return &SessionExpiredError{SessionID: sessionID, Err: statusErr}
		}
		return statusErr
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.relayEvents(resp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPostBody))
	if err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("read response body: %w", err)}
	}
	body = bytes.TrimSpace(body)
	// Servers that answer on the stream reply 202 with an empty or
	// plain-text body.
	if len(body) == 0 || (body[0] != '{' && body[0] != '[') {
		return nil
	}
	if !t.inbox.push(body) {
		return ErrClosed
	}
	return nil
}

// relayEvents forwards message events from a POST reply body.
func (t *StreamTransport) relayEvents(r io.Reader) error {
	scanner := newSSEScanner(r, maxSSEEventSize)
	for {
		ev, err := scanner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &TransportError{Op: "send", Err: err}
		}
		if ev.Event != "" && ev.Event != "message" {
			continue
		}
		if len(bytes.TrimSpace(ev.Data)) == 0 {
			continue
		}
		if !t.inbox.push(ev.Data) {
			return ErrClosed
		}
	}
}

// Receive implements Transport.
func (t *StreamTransport) Receive(ctx context.Context) ([]byte, error) {
	return t.inbox.receive(ctx)
}

// Close cancels the event stream and waits briefly for its reader to
// exit.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, done := t.cancel, t.streamDone
	t.mu.Unlock()

	t.inbox.close(ErrClosed)
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.logger.Warn("event stream reader did not exit")
		}
	}
	return nil
}

// joinPath appends path to base without doubling slashes.
func joinPath(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
