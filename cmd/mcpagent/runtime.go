package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/mcpagent/internal/agent"
	"github.com/nugget/mcpagent/internal/config"
	"github.com/nugget/mcpagent/internal/events"
	"github.com/nugget/mcpagent/internal/llm"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/metrics"
	"github.com/nugget/mcpagent/internal/tools"
)

// runtime is one agent's set of components: a session manager and the
// registry and dispatcher built on it. Nothing is shared between
// runtimes.
type runtime struct {
	cfg        *config.Config
	cfgPath    string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	events     *events.Bus
	manager    *mcp.Manager
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
}

// newRuntime loads the configuration and wires the MCP stack. No
// connection is made until the first operation needs a session.
func newRuntime(opts *options, logOut io.Writer) (*runtime, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	levelName := cfg.LogLevel
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, err
	}
	formatName := cfg.LogFormat
	if opts.logFormat != "" {
		formatName = opts.logFormat
	}
	format, err := config.ParseLogFormat(formatName)
	if err != nil {
		return nil, err
	}
	logger := newLogger(logOut, level, format)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	m := metrics.New()
	bus := events.New()
	// Every MCP component logs under the server name.
	mcpLogger := logger.With("mcp_server", cfg.MCP.Name)

	mgr, err := mcp.NewManager(mcp.ManagerConfig{
		Name:             cfg.MCP.Name,
		Factory:          transportFactory(cfg.MCP, mcpLogger),
		HandshakeTimeout: cfg.MCP.HandshakeTimeout,
		CallTimeout:      cfg.MCP.CallTimeout,
		Logger:           mcpLogger,
		Events:           bus,
		Metrics:          m,
	})
	if err != nil {
		return nil, err
	}

	sessions := tools.FromManager(mgr)
	reg := tools.NewRegistry(sessions, tools.RegistryConfig{
		Include: cfg.MCP.IncludeTools,
		Exclude: cfg.MCP.ExcludeTools,
		Logger:  mcpLogger,
	})
	disp := tools.NewDispatcher(sessions, reg, tools.DispatcherConfig{
		RateLimit: cfg.MCP.RateLimit,
		RateBurst: cfg.MCP.RateBurst,
		Logger:    mcpLogger,
		Events:    bus,
		Metrics:   m,
	})

	return &runtime{
		cfg:        cfg,
		cfgPath:    cfgPath,
		logger:     logger,
		metrics:    m,
		events:     bus,
		manager:    mgr,
		registry:   reg,
		dispatcher: disp,
	}, nil
}

// Close ends the MCP session.
func (r *runtime) Close() error {
	return r.manager.Close()
}

// newLLM builds the configured LLM client.
func (r *runtime) newLLM() (*llm.MultiClient, error) {
	return llm.New(llm.ProviderConfig{
		Provider:  r.cfg.LLM.Provider,
		APIKey:    r.cfg.LLM.APIKey,
		BaseURL:   r.cfg.LLM.BaseURL,
		MaxTokens: r.cfg.LLM.MaxTokens,
	}, r.metrics, r.logger.With("component", "llm"))
}

// newLoop builds the LLM client and the agent loop. model overrides
// the configured model when non-empty.
func (r *runtime) newLoop(model string) (*agent.Loop, error) {
	client, err := r.newLLM()
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = r.cfg.LLM.Model
	}
	if model == "" {
		model = defaultModel(r.cfg.LLM.Provider)
	}
	r.logger.Debug("LLM client initialized",
		"provider", r.cfg.LLM.Provider,
		"model", model,
		"providers", client.Providers(),
	)

	return agent.NewLoop(client, r.dispatcher, agent.Config{
		Model: model,
		Context: agent.NewCompositeContextProvider(
			agent.NewSessionProvider(r.manager),
			agent.StaticProvider(r.cfg.Agent.Context),
		),
		Logger:  r.logger.With("component", "agent"),
		Events:  r.events,
		Metrics: r.metrics,
	}), nil
}

// maxTurns resolves the turn limit: a non-negative flag value wins
// over the configured one.
func (r *runtime) maxTurns(flag int) int {
	if flag >= 0 {
		return flag
	}
	return r.cfg.Agent.MaxTurns
}

func defaultModel(provider string) string {
	switch provider {
	case llm.ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	case llm.ProviderOpenAI:
		return "gpt-4o-mini"
	case llm.ProviderOllama:
		return "llama3.1"
	default:
		return llm.ProviderScripted
	}
}

// transportFactory returns a factory that builds a fresh transport for
// each session.
func transportFactory(c config.MCPConfig, logger *slog.Logger) mcp.TransportFactory {
	if c.Transport == config.TransportStdio {
		return func() (mcp.Transport, error) {
			return mcp.NewStdioTransport(mcp.StdioConfig{
				Command: c.Command,
				Args:    c.Args,
				Env:     c.Env,
				Logger:  logger,
			}), nil
		}
	}
	return func() (mcp.Transport, error) {
		t, err := mcp.NewStreamTransport(mcp.StreamConfig{
			URL:                c.URL,
			SSEPath:            c.SSEPath,
			MessagePath:        c.MessagePath,
			BearerToken:        c.BearerToken,
			Headers:            c.Headers,
			UserAgent:          c.UserAgent,
			InsecureSkipVerify: c.InsecureSkipVerify,
			HandshakeTimeout:   c.HandshakeTimeout,
			Logger:             logger,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist. Without one, and with nothing found in the
// search paths, the defaults are used after loading ./.env.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		if _, err := config.LoadDotEnv(".env"); err != nil {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
