package cli

import (
	"github.com/spf13/cobra"

	"github.com/ankittk/aide/internal/mcp"
)

func newMCPCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the operations API as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if version == "" {
				version = "dev"
			}
			return mcp.NewServer(c, version).ServeStdio()
		},
	}
}
