package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nugget/mcpagent/internal/buildinfo"
)

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd.OutOrStdout(), opts.jsonOutput())
		},
	}
}

func runVersion(w io.Writer, asJSON bool) error {
	info := buildinfo.Info()
	if asJSON {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}
