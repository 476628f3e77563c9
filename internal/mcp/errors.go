package mcp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned by operations on a closed transport, client,
// or session manager.
var ErrClosed = errors.New("mcp: closed")

// TransportError reports a failure of the underlying channel: the event
// stream ended, the subprocess exited, or a write failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SessionEstablishmentError means a handshake did not complete: no
// endpoint event before the deadline, a failed initialize, or a
// subprocess that exited during startup.
type SessionEstablishmentError struct {
	Transport Kind
	Err       error
}

func (e *SessionEstablishmentError) Error() string {
	return fmt.Sprintf("establish %s session: %v", e.Transport, e.Err)
}

func (e *SessionEstablishmentError) Unwrap() error { return e.Err }

// SessionExpiredError means the server no longer recognizes the
// session. Callers recover by re-establishing a new session.
type SessionExpiredError struct {
	SessionID string
	Err       error
}

func (e *SessionExpiredError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s expired", e.SessionID)
	}
	return fmt.Sprintf("session %s expired: %v", e.SessionID, e.Err)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// TimeoutError means no response arrived for a request within its
// deadline. The pending entry is removed, so a late response is dropped.
type TimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d) timed out after %s", e.Method, e.ID, e.Timeout)
}

// StatusError is a non-2xx reply to a POST on the stream transport.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.Code, e.Body)
}

// IsSessionExpired reports whether err, or anything it wraps, is a
// SessionExpiredError.
func IsSessionExpired(err error) bool {
	var se *SessionExpiredError
	return errors.As(err, &se)
}

// IsTimeout reports whether err wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

var invalidSessionWords = []string{"invalid", "not found", "expired", "unknown", "closed", "no such"}

// sessionInvalidMessage reports whether a server-supplied message says
// the session is no longer valid, e.g. "invalid session" or
// "Session not found".
func sessionInvalidMessage(msg string) bool {
	msg = strings.ToLower(msg)
	if !strings.Contains(msg, "session") {
		return false
	}
	for _, w := range invalidSessionWords {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// classifyRPCError maps an RPC error that signals an invalid session to
// SessionExpiredError. Other errors are returned unchanged.
func classifyRPCError(sessionID string, rpcErr *RPCError) error {
	if sessionInvalidMessage(rpcErr.Message) {
		return &SessionExpiredError{SessionID: sessionID, Err: rpcErr}
	}
	return rpcErr
}
