package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nugget/mcpagent/internal/mcp"
)

func newResourcesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List the resources the MCP server exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			return runResources(cmd.Context(), cmd.OutOrStdout(), rt, opts.jsonOutput())
		},
	}
}

func runResources(ctx context.Context, w io.Writer, rt *runtime, asJSON bool) error {
	resources, err := listResources(ctx, rt.manager)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}

	if asJSON {
		return writeJSON(w, map[string]any{
			"count":     len(resources),
			"resources": resources,
		})
	}
	for _, r := range resources {
		nameStyle.Fprint(w, r.URI)
		if r.MimeType != "" {
			dimStyle.Fprintf(w, " (%s)", r.MimeType)
		}
		fmt.Fprintln(w)
		if r.Name != "" {
			fmt.Fprintf(w, "    %s\n", r.Name)
		}
		if r.Description != "" {
			fmt.Fprintf(w, "    %s\n", r.Description)
		}
	}
	fmt.Fprintf(w, "%d %s\n", len(resources), plural(len(resources), "resource", "resources"))
	return nil
}

// listResources calls resources/list, re-establishing an expired
// session once.
func listResources(ctx context.Context, m *mcp.Manager) ([]mcp.Resource, error) {
	client, s, err := m.Current(ctx)
	if err == nil {
		var resources []mcp.Resource
		resources, err = client.ListResources(ctx)
		if err == nil {
			return resources, nil
		}
	}

	stale := s.ID
	var expired *mcp.SessionExpiredError
	if !errors.As(err, &expired) {
		return nil, err
	}
	if expired.SessionID != "" {
		stale = expired.SessionID
	}
	if _, err := m.Reestablish(ctx, stale); err != nil {
		return nil, err
	}
	client, _, err = m.Current(ctx)
	if err != nil {
		return nil, err
	}
	return client.ListResources(ctx)
}
