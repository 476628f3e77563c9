package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcpagent/internal/buildinfo"
	"github.com/nugget/mcpagent/internal/connwatch"
	"github.com/nugget/mcpagent/internal/events"
	"github.com/nugget/mcpagent/internal/mcp"
	"github.com/nugget/mcpagent/internal/web"
)

func newServeCmd(opts *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold an MCP session and serve the debug endpoints",
		Long: `Open a session with the MCP server, watch its health with periodic
pings, and serve /healthz, /metrics, /events and the /v1 inspection
endpoints on the debug listener until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			if cmd.Flags().Changed("listen") {
				rt.cfg.Debug.Listen = listen
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), rt)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "debug listener address, overrides debug.listen")
	return cmd
}

func runServe(ctx context.Context, w io.Writer, rt *runtime) error {
	logger := rt.logger
	logger.Info("starting mcpagent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"mcp_server", rt.cfg.MCP.Name,
		"transport", rt.cfg.MCP.Transport,
	)

	rt.manager.OnSession(func(s mcp.Session) {
		logger.Info("MCP session ready",
			"session_id", s.ID,
			"server", s.Server.Name,
			"generation", s.Generation,
		)
	})

	client, err := rt.newLLM()
	if err != nil {
		return err
	}

	health := connwatch.NewManager(logger)
	defer health.Stop()

	backoff := connwatch.DefaultBackoffConfig()
	backoff.PollInterval = rt.cfg.Health.PollInterval

	watch := func(name string, check connwatch.CheckFunc) {
		health.Watch(ctx, connwatch.WatcherConfig{
			Name:    name,
			Check:   check,
			Backoff: backoff,
			OnReady: func() {
				rt.events.Emit(events.SourceHealth, events.KindServiceReady, map[string]any{"service": name})
			},
			OnDown: func(err error) {
				rt.events.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{"service": name, "error": err.Error()})
			},
			Logger: logger,
		})
	}
	mcpService := "mcp:" + rt.cfg.MCP.Name
	watch(mcpService, sessionCheck(rt.manager))
	watch("llm:"+rt.cfg.LLM.Provider, client.Ping)

	// Session changes are visible to /healthz without waiting for the
	// next poll.
	sessionEvents := rt.events.Subscribe(16)
	defer rt.events.Unsubscribe(sessionEvents)

	g, gctx := errgroup.WithContext(ctx)
	if addr := rt.cfg.Debug.Listen; addr != "" {
		srv := web.NewServer(web.Config{
			Address:  addr,
			Sessions: rt.manager,
			Tools:    sessionTools{rt.dispatcher},
			Health:   health,
			Metrics:  rt.metrics,
			Events:   rt.events,
			Logger:   logger.With("component", "web"),
		})
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		fmt.Fprintf(w, "Serving debug endpoints on http://%s\n", addr)
	} else {
		logger.Info("debug listener disabled")
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-sessionEvents:
				if !ok {
					return nil
				}
				// Not on failed handshakes: the check would retry them.
				switch ev.Kind {
				case events.KindSessionEstablished, events.KindSessionInvalidated:
					health.Trigger(mcpService)
				}
			}
		}
	})

	err = g.Wait()
	logger.Info("shutting down", "uptime", buildinfo.Uptime().Round(time.Second))
	return err
}

// sessionCheck pings the MCP server. It opens the first session but
// never replaces an expired one; that is left to tool calls.
func sessionCheck(m *mcp.Manager) connwatch.CheckFunc {
	return func(ctx context.Context) error {
		if _, _, err := m.Current(ctx); err != nil {
			return err
		}
		return m.Ping(ctx)
	}
}
