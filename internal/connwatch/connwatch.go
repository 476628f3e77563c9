// Package connwatch tracks whether the MCP server and the LLM provider
// are reachable, for /healthz and the health events on the bus.
//
// httpkit retries a single dial that fails within milliseconds. connwatch
// covers outages lasting seconds to minutes, such as a restarted MCP
// container. It only observes: replacing an expired session is left to
// the tool dispatcher.
//
// A Watcher checks one service. Until the first success it retries with
// exponential backoff (2s, 4s, 8s, ... capped at 60s); after that, or
// once the startup attempts run out, it polls every PollInterval. Trigger
// runs a check early, for example when the MCP session changes.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc checks a service. nil means reachable.
type CheckFunc func(ctx context.Context) error

// BackoffConfig sets check timing. Zero fields take the defaults.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed startup check.
	InitialDelay time.Duration
	// MaxDelay caps the startup backoff.
	MaxDelay time.Duration
	// Multiplier grows the delay after each failed startup check.
	Multiplier float64
	// MaxRetries is the number of startup checks before settling into
	// background polling.
	MaxRetries int
	// PollInterval is the background check interval.
	PollInterval time.Duration
	// CheckTimeout bounds each check.
	CheckTimeout time.Duration
}

// DefaultBackoffConfig returns 2s doubling to 60s over 10 startup
// checks, then a check every 60s, each bounded by 10s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		CheckTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.CheckTimeout <= 0 {
		b.CheckTimeout = d.CheckTimeout
	}
	return b
}

// WatcherConfig configures one watcher.
type WatcherConfig struct {
	// Name identifies the service, e.g. "mcp:slack" or "llm:anthropic".
	Name string

	// Check reports whether the service is reachable. Must be safe for concurrent use.
	Check CheckFunc

	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	// Optional.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the JSON view of one watcher.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher checks a single service in the background.
type Watcher struct {
	config  WatcherConfig
	ready   atomic.Bool
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last check succeeded.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// LastError returns the most recent check error, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the watcher's current view of the service.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Trigger asks for a check now instead of at the next scheduled time.
// Triggers that arrive while one is pending are merged.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Wait blocks until the watcher stops.
func (w *Watcher) Wait() { <-w.done }

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	delay := cfg.InitialDelay
	starting := true
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		w.observe(err, attempt)

		next := cfg.PollInterval
		if starting {
			switch {
			case err == nil:
				starting = false
			case attempt >= cfg.MaxRetries:
				w.config.Logger.Info("startup checks exhausted, polling in background",
					"service", w.config.Name,
					"attempts", attempt,
					"error", err,
				)
				starting = false
			default:
				next = delay
				delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
			}
		}

		if !w.sleep(ctx, next) {
			return
		}
	}
}

// observe records a check result and fires the transition callbacks.
func (w *Watcher) observe(err error, attempt int) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	logger := w.config.Logger
	wasReady := w.ready.Load()
	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		logger.Info("service ready", "service", w.config.Name, "attempt", attempt)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && wasReady:
		w.ready.Store(false)
		logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil:
		logger.Debug("service unreachable", "service", w.config.Name, "attempt", attempt, "error", err)
	}
}

func (w *Watcher) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.Backoff.CheckTimeout)
	defer cancel()
	return w.config.Check(ctx)
}

// sleep waits for d, a trigger, or cancellation. It reports false when
// ctx is done.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.trigger:
		return true
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers of one process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is done or Stop is called.
// A watcher already registered under the same name is replaced and
// stopped. Watch panics if Name is empty or Check is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Check == nil {
		panic("connwatch: WatcherConfig.Check must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config:  cfg,
		trigger: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Trigger runs the named watcher's check early. It reports whether such
// a watcher exists.
func (m *Manager) Trigger(name string) bool {
	m.mu.RLock()
	w := m.watchers[name]
	m.mu.RUnlock()
	if w == nil {
		return false
	}
	w.Trigger()
	return true
}

// Status returns every watcher's status keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watcher is ready. No watchers is healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop stops every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()
	for _, w := range watchers {
		w.Stop()
	}
}
