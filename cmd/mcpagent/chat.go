package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nugget/mcpagent/internal/agent"
)

const chatHelp = `Commands:
  /tools     list the server's tools
  /history   show the conversation so far
  /reset     start a new conversation
  /session   show the MCP session
  /quit      leave`

func newChatCmd(opts *options) *cobra.Command {
	flags := &agentFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation. Each line you type is one user
message; the model may call the server's tools before answering.
Type /help for the available commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			loop, err := rt.newLoop(flags.model)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), rt, loop, rt.maxTurns(flags.maxTurns))
		},
	}
	flags.register(cmd)
	return cmd
}

func runChat(ctx context.Context, in io.Reader, w io.Writer, rt *runtime, loop *agent.Loop, maxTurns int) error {
	conv := agent.NewConversation(rt.cfg.LLM.SystemPrompt)
	printer := &streamPrinter{w: w}

	fmt.Fprintf(w, "Chatting through MCP server %s. Type /help for commands.\n", rt.manager.Name())

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		userStyle.Fprint(w, "you> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(w)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(w, chatHelp)
			continue
		case "/history":
			if t := conv.Transcript(); t != "" {
				fmt.Fprint(w, t)
			} else {
				dimStyle.Fprintln(w, "(empty)")
			}
			continue
		case "/reset":
			conv = agent.NewConversation(rt.cfg.LLM.SystemPrompt)
			okStyle.Fprintf(w, "new conversation %s\n", conv.ID)
			continue
		case "/session":
			printSession(w, rt)
			continue
		case "/tools":
			if err := runTools(ctx, w, rt, false); err != nil {
				errorStyle.Fprintf(w, "error: %v\n", err)
			}
			continue
		}
		if strings.HasPrefix(line, "/") {
			errorStyle.Fprintf(w, "unknown command %s\n", line)
			continue
		}

		resp, err := loop.RunStream(ctx, conv, line, maxTurns, printer.callback)
		switch {
		case errors.Is(err, agent.ErrMaxTurns):
			errorStyle.Fprintf(w, "stopped after %d turns with tool calls pending\n", resp.Turns)
		case err != nil && ctx.Err() != nil:
			fmt.Fprintln(w)
			return nil
		case err != nil:
			errorStyle.Fprintf(w, "error: %v\n", err)
		}
	}
}

func printSession(w io.Writer, rt *runtime) {
	s, ok := rt.manager.Session()
	if !ok {
		dimStyle.Fprintf(w, "%s: no active session (%s)\n", rt.manager.Name(), rt.manager.State())
		return
	}
	fmt.Fprintf(w, "%s: %s %s over %s\n", rt.manager.Name(), s.Server.Name, s.Server.Version, s.Transport)
	fmt.Fprintf(w, "  session    %s (generation %d)\n", s.ID, s.Generation)
	if s.PID > 0 {
		fmt.Fprintf(w, "  pid        %d\n", s.PID)
	}
	fmt.Fprintf(w, "  connected  %s\n", humanize.Time(s.EstablishedAt))
}
