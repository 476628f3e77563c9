package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCallCmd(opts *options) *cobra.Command {
	var pairs []string

	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Invoke one tool and print its result",
		Long: `Invoke one tool on the MCP server. Arguments are given as a JSON object,
as repeated --arg key=value flags, or both; flags override keys in the
object. Values of --arg are parsed as JSON when possible and used as
strings otherwise.

An expired session is re-established once and the call retried.`,
		Example: `  mcpagent call channels_list '{"channel_types":"public_channel"}'
  mcpagent call conversations_history --arg channel_id=C123 --arg limit=10`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) > 1 {
				raw = args[1]
			}
			arguments, err := parseArguments(raw, pairs)
			if err != nil {
				return err
			}

			rt, err := newRuntime(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()
			return runCall(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), rt, args[0], arguments, opts.jsonOutput())
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "arg", "a", nil, "argument as key=value (repeatable)")
	return cmd
}

func runCall(ctx context.Context, stdout, stderr io.Writer, rt *runtime, name string, args map[string]any, asJSON bool) error {
	start := time.Now()
	res, err := rt.dispatcher.CallTool(ctx, name, args)
	if err != nil {
		return err
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	if asJSON {
		if err := writeJSON(stdout, res); err != nil {
			return err
		}
	} else {
		text := res.Text()
		fmt.Fprintln(stdout, text)
		dimStyle.Fprintf(stderr, "%s: %d content %s, %s in %s (session %s, %d %s)\n",
			res.ToolName,
			len(res.Content), plural(len(res.Content), "block", "blocks"),
			humanize.Bytes(uint64(len(text))),
			elapsed,
			res.SessionID,
			res.Attempts, plural(res.Attempts, "attempt", "attempts"),
		)
	}

	if res.IsError {
		return fmt.Errorf("tool %s reported an error", name)
	}
	return nil
}

// parseArguments merges a JSON object with key=value pairs.
func parseArguments(raw string, pairs []string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
		}
		if args == nil {
			return nil, fmt.Errorf("arguments must be a JSON object, got null")
		}
	}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q (expected key=value)", p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		args[key] = v
	}
	return args, nil
}
