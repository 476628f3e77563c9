package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nugget/mcpagent/internal/tools"
)

// sessionTools lists tools through the dispatcher, so an expired
// session is re-established the same way it is for tool calls.
type sessionTools struct{ d *tools.Dispatcher }

func (s sessionTools) List(ctx context.Context) ([]*tools.Tool, error) {
	if _, err := s.d.Functions(ctx); err != nil {
		return nil, err
	}
	return s.d.Registry().List(ctx)
}

func newToolsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the MCP server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			return runTools(cmd.Context(), cmd.OutOrStdout(), rt, opts.jsonOutput())
		},
	}
}

func runTools(ctx context.Context, w io.Writer, rt *runtime, asJSON bool) error {
	list, err := sessionTools{rt.dispatcher}.List(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(w, map[string]any{
			"count": len(list),
			"tools": list,
		})
	}

	if s, ok := rt.manager.Session(); ok {
		dimStyle.Fprintf(w, "%s: %s %s over %s, session %s established %s\n",
			rt.manager.Name(), s.Server.Name, s.Server.Version, s.Transport, s.ID,
			humanize.Time(s.EstablishedAt))
	}
	for _, t := range list {
		nameStyle.Fprint(w, t.Name)
		fmt.Fprintln(w, paramSummary(t.Parameters))
		if t.Description != "" {
			fmt.Fprintf(w, "    %s\n", t.Description)
		}
	}
	fmt.Fprintf(w, "%d %s\n", len(list), plural(len(list), "tool", "tools"))
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
