// Mcpagent lets a language model use the tools of a Model Context
// Protocol server.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one the
// built-in defaults point at a local SSE server and the scripted model.
//
// Usage:
//
//	mcpagent tools               List the server's tools
//	mcpagent call <tool> [json]  Invoke one tool with JSON arguments
//	mcpagent resources           List the server's resources
//	mcpagent ask <question>      Ask a single question
//	mcpagent chat                Start an interactive conversation
//	mcpagent serve               Hold a session and serve the debug endpoints
//	mcpagent init [dir]          Write a default config.yaml and .env
//	mcpagent version             Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole command lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run executes the command line in args. Command output goes to stdout
// and logs go to stderr. Cancelling ctx shuts down whatever is running.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd()
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
