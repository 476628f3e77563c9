package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/mcpagent/internal/defaults"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default config.yaml and .env (default dir: .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(cmd.OutOrStdout(), dir)
		},
	}
}

// runInit writes the example configuration into dir. Existing files
// are left untouched.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing mcpagent in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// Both files may hold tokens.
	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"config.yaml", defaults.ConfigYAML},
		{".env", defaults.DotEnv},
	} {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, 0o600)
		if err != nil {
			return err
		}
		if wrote {
			okStyle.Fprintf(w, "  ✓ %s\n", path)
		} else {
			dimStyle.Fprintf(w, "  - %s (exists, skipped)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "  1. Point mcp.url (or mcp.command) in config.yaml at your MCP server")
	fmt.Fprintln(w, "  2. Put tokens and API keys in .env")
	fmt.Fprintln(w, "  3. Run: mcpagent tools")
	return nil
}

// writeIfMissing writes content to path unless the file already
// exists. It reports whether the file was written.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
