package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nugget/mcpagent/internal/buildinfo"
)

// options holds the persistent flags shared by every subcommand.
type options struct {
	configPath string
	logLevel   string
	logFormat  string
	output     string
	noColor    bool
}

func (o *options) jsonOutput() bool { return o.output == "json" }

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "mcpagent",
		Short: "Let a language model use the tools of an MCP server",
		Long: `mcpagent connects to a Model Context Protocol server over SSE or stdio,
discovers its tools, and drives a tool-calling conversation with an LLM.

Configuration is read from --config or the first of ./config.yaml,
~/.config/mcpagent/config.yaml and /etc/mcpagent/config.yaml.`,
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
			}
			if opts.noColor {
				color.NoColor = true
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (default from config)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format: text or json (default from config)")
	pf.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newToolsCmd(opts),
		newCallCmd(opts),
		newResourcesCmd(opts),
		newAskCmd(opts),
		newChatCmd(opts),
		newServeCmd(opts),
		newInitCmd(),
		newVersionCmd(opts),
	)
	return root
}
