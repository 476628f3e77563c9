// Package httpkit builds the HTTP clients used for outbound calls: the
// MCP stream transport (event stream plus message POSTs) and the LLM
// providers. Every client gets explicit dial and TLS timeouts, a bounded
// idle pool, the mcpagent User-Agent, and any static headers the server
// configuration asks for.
package httpkit

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/mcpagent/internal/buildinfo"
)

// Transport defaults.
const (
	DialTimeout         = 10 * time.Second
	KeepAlive           = 30 * time.Second
	TLSHandshakeTimeout = 10 * time.Second
	// ResponseHeaderTimeout bounds the wait for headers once a request is
	// written. An SSE stream answers with headers before its first event.
	ResponseHeaderTimeout = 15 * time.Second
	IdleConnTimeout       = 90 * time.Second
	MaxIdleConns          = 20
	MaxIdleConnsPerHost   = 5

	// DefaultTimeout applies when WithTimeout is not given.
	DefaultTimeout = 30 * time.Second
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*options)

type options struct {
	timeout     time.Duration
	transport   *http.Transport
	headers     http.Header
	insecureTLS bool
	dedicated   bool
	retries     int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// streaming responses need.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithTransport replaces the default transport. Other transport options
// still apply to it.
func WithTransport(t *http.Transport) ClientOption {
	return func(o *options) { o.transport = t }
}

// WithHeader sets a header on every request that does not carry it.
func WithHeader(key, value string) ClientOption {
	return func(o *options) { o.headers.Set(key, value) }
}

// WithHeaders is WithHeader for each entry of h.
func WithHeaders(h map[string]string) ClientOption {
	return func(o *options) {
		for k, v := range h {
			o.headers.Set(k, v)
		}
	}
}

// WithBearerToken sets "Authorization: Bearer <token>". An empty token
// is ignored.
func WithBearerToken(token string) ClientOption {
	return func(o *options) {
		if token != "" {
			o.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithUserAgent replaces the mcpagent User-Agent. Empty keeps it.
func WithUserAgent(ua string) ClientOption {
	return func(o *options) {
		if ua != "" {
			o.headers.Set("User-Agent", ua)
		}
	}
}

// WithInsecureTLS turns off certificate verification when skip is set.
// Meant for MCP servers on a development host with a self-signed cert.
func WithInsecureTLS(skip bool) ClientOption {
	return func(o *options) { o.insecureTLS = skip }
}

// WithDedicatedConn closes each connection with its response instead of
// returning it to the pool. The MCP event stream holds one connection
// for the life of a session; a pooled leftover would outlive it.
func WithDedicatedConn() ClientOption {
	return func(o *options) { o.dedicated = true }
}

// WithRetry retries a request up to count times when the dial itself
// failed (host or network unreachable, connection refused). Nothing
// reached the server in that case, so a tools/call POST is not sent
// twice. Requests whose body cannot be rewound are not retried.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(o *options) {
		o.retries = count
		o.retryDelay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: ResponseHeaderTimeout,
		IdleConnTimeout:       IdleConnTimeout,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client from opts.
func NewClient(opts ...ClientOption) *http.Client {
	o := &options{
		timeout: DefaultTimeout,
		headers: http.Header{"User-Agent": {buildinfo.UserAgent()}},
	}
	for _, opt := range opts {
		opt(o)
	}

	t := o.transport
	if t == nil {
		t = NewTransport()
	}
	if o.dedicated {
		t.DisableKeepAlives = true
	}
	if o.insecureTLS {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	}

	var rt http.RoundTripper = &headerTransport{base: t, headers: o.headers}
	if o.retries > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  o.retries,
			delay:  o.retryDelay,
			logger: o.logger,
		}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// headerTransport fills in headers the request leaves unset.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var out *http.Request
	for k, v := range t.headers {
		if req.Header.Get(k) != "" || len(v) == 0 {
			continue
		}
		if out == nil {
			// RoundTrippers must not modify the caller's request.
			out = req.Clone(req.Context())
		}
		out.Header.Set(k, v[0])
	}
	if out == nil {
		out = req
	}
	return t.base.RoundTrip(out)
}

// retryTransport repeats requests whose dial failed.
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	for attempt := 1; attempt <= t.count && isDialError(err) && rewindable; attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request after dial failure",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"max_retries", t.count,
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", berr)
			}
			again.Body = body
		}
		resp, err = t.base.RoundTrip(again)
		if err == nil && t.logger != nil {
			t.logger.Info("request succeeded after retry",
				"method", req.Method,
				"url", req.URL.String(),
				"attempts", attempt+1,
			)
		}
	}
	return resp, err
}

// isDialError reports a connect failure that happened before any bytes
// were written. ECONNRESET is excluded: the server may have acted on the
// request already.
func isDialError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it, so the
// connection can go back to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body and
// drains the rest. A nil body yields "".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
