package mcp

import (
	"context"
	"sync"
)

// Kind names a transport variant.
type Kind string

// Supported transport kinds.
const (
	KindStream Kind = "stream"
	KindStdio  Kind = "stdio"
)

// Handle describes an opened channel.
type Handle struct {
	// SessionID identifies the session. The stream transport takes it
	// from the server's endpoint event; the stdio transport generates one.
	SessionID string
	// PID is the subprocess id for stdio transports, zero otherwise.
	PID int
}

// Transport moves raw JSON-RPC frames between the client and one MCP
// server. Implementations do not interpret frames; correlation happens
// in the RPC client. A Transport is opened once and not reused after
// Close.
type Transport interface {
	// Kind reports the transport variant.
	Kind() Kind

	// Open establishes the channel and returns its session handle.
	Open(ctx context.Context) (Handle, error)

	// Send delivers one frame to the server.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks until the next inbound frame is available. After
	// the channel ends it returns a *TransportError (or ErrClosed after
	// Close).
	Receive(ctx context.Context) ([]byte, error)

	// Close shuts down the channel and releases resources.
	Close() error
}

// TransportFactory builds a fresh, unopened Transport. The session
// manager calls it once per session so that a re-established session
// never shares state with the one it replaces.
type TransportFactory func() (Transport, error)

// inbox buffers inbound frames between a transport's reader goroutine
// and Receive. Frames already queued are still delivered after close.
type inbox struct {
	ch   chan []byte
	done chan struct{}

	once sync.Once
	err  error
}

func newInbox(size int) *inbox {
	return &inbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// push queues a frame. It blocks while the buffer is full and returns
// false once the inbox is closed.
func (in *inbox) push(frame []byte) bool {
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.ch <- frame:
		return true
	case <-in.done:
		return false
	}
}

// close ends the inbox with err. Only the first call has an effect.
func (in *inbox) close(err error) {
	in.once.Do(func() {
		in.err = err
		close(in.done)
	})
}

func (in *inbox) receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-in.ch:
		return frame, nil
	default:
	}
	select {
	case frame := <-in.ch:
		return frame, nil
	case <-in.done:
		select {
		case frame := <-in.ch:
			return frame, nil
		default:
		}
		return nil, in.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
