package cmd

import (
	"github.com/spf13/cobra"

	mcpserver "github.com/wesm/threadtags/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run an MCP server over stdio",
	Long: `Start an MCP (Model Context Protocol) server over stdio so an agent can
record classifications, override actions and toggle grouping mode.

Tools: recompute_thread, apply_override, record_classification,
set_grouping_mode, get_thread, get_status.

Example client config:
  {
    "mcpServers": {
      "threadtags": {"command": "threadtags", "args": ["mcp"]}
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return mcpserver.Serve(ctx, a.engine, a.store, Version)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
