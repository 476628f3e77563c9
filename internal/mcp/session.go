package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/mcpagent/internal/events"
	"github.com/nugget/mcpagent/internal/metrics"
)

// State is the lifecycle state of a session manager.
type State int

// Session lifecycle states.
const (
	StateUninitialized State = iota
	StateEstablishing
	StateActive
	StateInvalid
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateEstablishing:
		return "establishing"
	case StateActive:
		return "active"
	case StateInvalid:
		return "invalid"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a snapshot of one established session.
type Session struct {
	ID            string     `json:"id"`
	Transport     Kind       `json:"transport"`
	PID           int        `json:"pid,omitempty"`
	Server        ServerInfo `json:"server"`
	EstablishedAt time.Time  `json:"established_at"`
	// Generation counts sessions established by this manager,
	// starting at 1.
	Generation int `json:"generation"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Name labels the server. The caller's Logger is expected to carry
	// it already.
	Name string
	// Factory builds a fresh transport for each session.
	Factory TransportFactory
	// HandshakeTimeout bounds transport open plus initialize.
	HandshakeTimeout time.Duration
	// CallTimeout bounds each request on the session.
	CallTimeout time.Duration

	Logger  *slog.Logger
	Events  *events.Bus
	Metrics *metrics.Metrics
}

// Manager owns the session with one MCP server. It establishes
// sessions on demand, detects when they die, and replaces them on
// request. Concurrent establishment requests share one handshake.
// Session ids are never reused: a server that hands out a previously
// seen id fails establishment.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger
	flight singleflight.Group

	mu         sync.Mutex
	state      State
	client     *Client
	session    Session
	lastID     string
	lastErr    error
	issued     map[string]struct{}
	generation int
	observers  []func(Session)
}

// NewManager returns a manager in the uninitialized state. No
// connection is made until Open or Current.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, errors.New("session manager requires a transport factory")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: cfg,
		logger: logger,
		issued: make(map[string]struct{}),
	}, nil
}

// Name returns the configured server name.
func (m *Manager) Name() string { return m.config.Name }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the active session, if any.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return Session{}, false
	}
	return m.session, true
}

// OnSession registers fn to run after every successful establishment.
// Callbacks run on the establishing goroutine and must not block.
func (m *Manager) OnSession(fn func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Open returns the active session, establishing one if needed.
func (m *Manager) Open(ctx context.Context) (Session, error) {
	m.mu.Lock()
	switch m.state {
	case StateActive:
		s := m.session
		m.mu.Unlock()
		return s, nil
	case StateClosed:
		m.mu.Unlock()
		return Session{}, ErrClosed
	}
	m.mu.Unlock()
	return m.establishShared(ctx)
}

// Current returns the client for the active session. An uninitialized
// manager, or one whose only handshake failed, establishes a session
// first. An invalidated session is not replaced automatically: Current
// returns *SessionExpiredError and the caller decides whether to
// Reestablish.
func (m *Manager) Current(ctx context.Context) (*Client, Session, error) {
	for {
		m.mu.Lock()
		switch m.state {
		case StateActive:
			c, s := m.client, m.session
			m.mu.Unlock()
			return c, s, nil
		case StateClosed:
			m.mu.Unlock()
			return nil, Session{}, ErrClosed
		case StateInvalid:
			// With no lost session the last handshake failed; try again.
			if m.lastID != "" {
				err := &SessionExpiredError{SessionID: m.lastID, Err: m.lastErr}
				m.mu.Unlock()
				return nil, Session{}, err
			}
		}
		m.mu.Unlock()

		if _, err := m.establishShared(ctx); err != nil {
			return nil, Session{}, err
		}
	}
}

// Reestablish replaces the session identified by staleID with a new
// one. If staleID is no longer the active session, because another
// caller already replaced it, the current session is returned without
// a new handshake.
func (m *Manager) Reestablish(ctx context.Context, staleID string) (Session, error) {
	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return Session{}, ErrClosed
	case m.state == StateActive && m.session.ID != staleID:
		s := m.session
		m.mu.Unlock()
		return s, nil
	case m.state == StateActive:
		old := m.retireLocked(errors.New("replaced on request"))
		m.mu.Unlock()
		m.finishInvalidation(old, staleID, "replaced on request")
	default:
		m.mu.Unlock()
	}
	return m.establishShared(ctx)
}

// Invalidate marks the session identified by sessionID as dead. Later
// calls to Current report *SessionExpiredError until Reestablish. It is
// a no-op if sessionID is not the active session.
func (m *Manager) Invalidate(sessionID string, cause error) {
	m.mu.Lock()
	if m.state != StateActive || m.session.ID != sessionID {
		m.mu.Unlock()
		return
	}
	old := m.retireLocked(cause)
	m.mu.Unlock()

	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	m.finishInvalidation(old, sessionID, reason)
}

// retireLocked moves an active session to INVALID and returns its
// client for closing. Caller must hold m.mu.
func (m *Manager) retireLocked(cause error) *Client {
	old := m.client
	m.state = StateInvalid
	m.lastID = m.session.ID
	m.lastErr = cause
	m.client = nil
	return old
}

func (m *Manager) finishInvalidation(old *Client, sessionID, reason string) {
	m.logger.Warn("MCP session invalidated", "session_id", sessionID, "reason", reason)
	m.config.Events.Emit(events.SourceSession, events.KindSessionInvalidated, map[string]any{
		"session_id": sessionID,
		"error":      reason,
	})
	m.config.Metrics.SessionActive(string(m.kind(old)), false)
	if old != nil {
		_ = old.Close()
	}
}

func (m *Manager) kind(c *Client) Kind {
	if c == nil {
		return ""
	}
	return c.rpc.transport.Kind()
}

// Ping checks the active session. It does not establish one.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.Lock()
	c, state := m.client, m.state
	m.mu.Unlock()
	if state != StateActive || c == nil {
		return fmt.Errorf("no active session (state %s)", state)
	}
	return c.Ping(ctx)
}

// Close ends the active session and moves the manager to CLOSED.
// Subsequent operations return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	wasActive := m.state == StateActive
	old, id := m.client, m.session.ID
	m.state = StateClosed
	m.client = nil
	m.mu.Unlock()

	if !wasActive || old == nil {
		return nil
	}
	m.logger.Info("closing MCP session", "session_id", id)
	m.config.Events.Emit(events.SourceSession, events.KindSessionClosed, map[string]any{
		"session_id": id,
	})
	m.config.Metrics.SessionActive(string(m.kind(old)), false)
	return old.Close()
}

// establishShared joins or starts the single in-flight handshake. The
// handshake outlives a caller that gives up; HandshakeTimeout bounds it.
func (m *Manager) establishShared(ctx context.Context) (Session, error) {
	hctx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan("establish", func() (any, error) {
		return m.establish(hctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

func (m *Manager) establish(ctx context.Context) (Session, error) {
	m.mu.Lock()
	switch m.state {
	case StateActive:
		s := m.session
		m.mu.Unlock()
		return s, nil
	case StateClosed:
		m.mu.Unlock()
		return Session{}, ErrClosed
	}
	m.state = StateEstablishing
	m.mu.Unlock()

	start := time.Now()
	client, handle, kind, err := m.handshake(ctx)
	if err != nil {
		// lastID still names the session this one was replacing, if any.
		m.mu.Lock()
		if m.state == StateEstablishing {
			m.state = StateInvalid
			m.lastErr = err
		}
		m.mu.Unlock()

		m.logger.Error("MCP session establishment failed", "transport", kind, "error", err)
		m.config.Events.Emit(events.SourceSession, events.KindSessionFailed, map[string]any{
			"transport": string(kind),
			"error":     err.Error(),
		})
		m.config.Metrics.RecordSession(string(kind), metrics.OutcomeError)
		return Session{}, err
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		_ = client.Close()
		return Session{}, ErrClosed
	}
	m.generation++
	server := ServerInfo{}
	if info := client.Server(); info != nil {
		server = info.ServerInfo
	}
	s := Session{
		ID:            handle.SessionID,
		Transport:     kind,
		PID:           handle.PID,
		Server:        server,
		EstablishedAt: time.Now(),
		Generation:    m.generation,
	}
	m.state = StateActive
	m.client = client
	m.session = s
	observers := append([]func(Session){}, m.observers...)
	m.mu.Unlock()

	go m.watch(client.RPC(), s.ID)

	elapsed := time.Since(start)
	m.logger.Info("MCP session established",
		"session_id", s.ID,
		"transport", kind,
		"generation", s.Generation,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	m.config.Events.Emit(events.SourceSession, events.KindSessionEstablished, map[string]any{
		"session_id": s.ID,
		"transport":  string(kind),
		"elapsed_ms": elapsed.Milliseconds(),
	})
	m.config.Metrics.RecordSession(string(kind), metrics.OutcomeOK)
	m.config.Metrics.SessionActive(string(kind), true)

	for _, fn := range observers {
		fn(s)
	}
	return s, nil
}

// handshake opens a new transport and runs initialize, bounded by
// HandshakeTimeout. Every failure is a *SessionEstablishmentError.
func (m *Manager) handshake(ctx context.Context) (*Client, Handle, Kind, error) {
	transport, err := m.config.Factory()
	if err != nil {
		return nil, Handle{}, "", &SessionEstablishmentError{Err: fmt.Errorf("create transport: %w", err)}
	}
	kind := transport.Kind()

	m.config.Events.Emit(events.SourceSession, events.KindSessionEstablishing, map[string]any{
		"transport": string(kind),
	})

	hctx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
	defer cancel()

	fail := func(err error) (*Client, Handle, Kind, error) {
		_ = transport.Close()
		var se *SessionEstablishmentError
		if errors.As(err, &se) {
			return nil, Handle{}, kind, err
		}
		return nil, Handle{}, kind, &SessionEstablishmentError{Transport: kind, Err: err}
	}

	handle, err := transport.Open(hctx)
	if err != nil {
		return fail(err)
	}

	m.mu.Lock()
	_, reused := m.issued[handle.SessionID]
	if !reused {
		m.issued[handle.SessionID] = struct{}{}
	}
	m.mu.Unlock()
	if reused {
		return fail(fmt.Errorf("server reissued session id %s", handle.SessionID))
	}

	sessionID := handle.SessionID
	onExpired := func(err error) { m.Invalidate(sessionID, err) }
	rpc := NewRPCClient(transport, sessionID, RPCOptions{
		Timeout:   m.config.CallTimeout,
		OnExpired: onExpired,
		Logger:    m.logger,
		Events:    m.config.Events,
		Metrics:   m.config.Metrics,
	})
	client := NewClient(m.config.Name, rpc, m.logger)
	if _, err := client.Initialize(hctx); err != nil {
		_ = rpc.Close()
		return fail(fmt.Errorf("initialize: %w", err))
	}
	return client, handle, kind, nil
}

// watch invalidates the session when its transport ends.
func (m *Manager) watch(rpc *RPCClient, sessionID string) {
	<-rpc.Done()
	m.Invalidate(sessionID, rpc.Err())
}
