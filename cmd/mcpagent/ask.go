package main

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/mcpagent/internal/agent"
	"github.com/nugget/mcpagent/internal/llm"
)

// agentFlags are the flags shared by ask and chat.
type agentFlags struct {
	model    string
	maxTurns int
}

func (f *agentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model name (default from config)")
	cmd.Flags().IntVar(&f.maxTurns, "max-turns", -1, "maximum LLM round trips per message, 0 for unbounded (default from config)")
}

func newAskCmd(opts *options) *cobra.Command {
	flags := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and let the model use the server's tools",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			loop, err := rt.newLoop(flags.model)
			if err != nil {
				return err
			}
			question := strings.Join(args, " ")
			return runAsk(cmd.Context(), cmd.OutOrStdout(), rt, loop, question, rt.maxTurns(flags.maxTurns), opts.jsonOutput())
		},
	}
	flags.register(cmd)
	return cmd
}

func runAsk(ctx context.Context, w io.Writer, rt *runtime, loop *agent.Loop, question string, maxTurns int, asJSON bool) error {
	conv := agent.NewConversation(rt.cfg.LLM.SystemPrompt)

	var callback llm.StreamCallback
	if !asJSON {
		callback = (&streamPrinter{w: w}).callback
	}
	resp, err := loop.RunStream(ctx, conv, question, maxTurns, callback)

	if asJSON && resp != nil {
		out := struct {
			*agent.Response
			ConversationID string `json:"conversation_id"`
			Error          string `json:"error,omitempty"`
		}{Response: resp, ConversationID: conv.ID}
		if err != nil {
			out.Error = err.Error()
		}
		if werr := writeJSON(w, out); werr != nil {
			return werr
		}
	}
	if errors.Is(err, agent.ErrMaxTurns) {
		errorStyle.Fprintf(w, "stopped after %d turns with tool calls pending\n", resp.Turns)
	}
	return err
}
