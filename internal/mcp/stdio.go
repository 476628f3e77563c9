package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// stdioStopTimeout is how long Close waits for the subprocess to exit
// after stdin is closed before killing it.
const stdioStopTimeout = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Each transport owns exactly one process; a new session
// gets a new transport and therefore a new process.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	inbox  *inbox

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu        sync.Mutex
	cmd       *exec.Cmd
	sessionID string
	closed    bool
	exited    chan struct{}
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Open.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger.With("transport", KindStdio),
		inbox:  newInbox(inboxSize),
	}
}

// Kind implements Transport.
func (t *StdioTransport) Kind() Kind { return KindStdio }

// Open launches the subprocess. The process lifetime is independent of
// ctx; it ends on Close or when the process exits on its own.
func (t *StdioTransport) Open(_ context.Context) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Handle{}, ErrClosed
	}
	if t.cmd != nil {
		return Handle{}, errors.New("stdio transport already opened")
	}

	fail := func(err error) (Handle, error) {
		t.inbox.close(&TransportError{Op: "open", Err: err})
		return Handle{}, &SessionEstablishmentError{Transport: KindStdio, Err: err}
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("create stdin pipe: %w", err))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fail(fmt.Errorf("create stdout pipe: %w", err))
	}

	// stderr is diagnostic output, not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fail(fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fail(fmt.Errorf("start subprocess %s: %w", t.config.Command, err))
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})
	t.sessionID = "stdio-" + uuid.Must(uuid.NewV7()).String()

	stderrDone := make(chan struct{})
	go t.drainStderr(stderrPipe, stderrDone)
	go t.readLoop(stdout, stderrDone)

	pid := cmd.Process.Pid
	t.logger.Info("MCP subprocess started", "pid", pid, "session_id", t.sessionID)
	return Handle{SessionID: t.sessionID, PID: pid}, nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop forwards stdout lines to the inbox. When stdout closes it
// reaps the process and closes the inbox with the exit status.
func (t *StdioTransport) readLoop(stdout io.Reader, stderrDone <-chan struct{}) {
	reader := bufio.NewReaderSize(stdout, 1<<20)
	var readErr error
	discard := false
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 && !discard {
			if trimmed[0] != '{' && trimmed[0] != '[' {
				t.logger.Debug("skipping non-JSON line from MCP subprocess",
					"line", string(trimmed),
				)
			} else if !t.inbox.push(trimmed) {
				// Closed: drain the rest so the process can exit.
				discard = true
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	// cmd.Wait closes the pipes, so stderr must be drained first.
	<-stderrDone
	t.mu.Lock()
	cmd, exited := t.cmd, t.exited
	t.mu.Unlock()
	waitErr := cmd.Wait()
	close(exited)

	cause := readErr
	if cause == nil {
		cause = waitErr
	}
	if cause == nil {
		cause = errors.New("subprocess exited")
	}
	t.logger.Info("MCP subprocess exited", "pid", cmd.Process.Pid, "error", waitErr)
	t.inbox.close(&TransportError{Op: "read", Err: cause})
}

// Send writes one frame plus a newline delimiter to stdin.
func (t *StdioTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed, stdin := t.closed, t.stdin
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if stdin == nil {
		return &TransportError{Op: "send", Err: errors.New("transport not open")}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(frame, '\n')); err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	return nil
}

// Receive implements Transport.
func (t *StdioTransport) Receive(ctx context.Context) ([]byte, error) {
	return t.inbox.receive(ctx)
}

// PID returns the subprocess id, or 0 if not started.
func (t *StdioTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close closes stdin so the subprocess can exit, then kills it if it
// is still running after a grace period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd, stdin, exited := t.cmd, t.stdin, t.exited
	t.mu.Unlock()

	t.inbox.close(ErrClosed)
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	t.writeMu.Lock()
	stdin.Close()
	t.writeMu.Unlock()

	select {
	case <-exited:
		return nil
	case <-time.After(stdioStopTimeout):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-exited
		return nil
	}
}
