package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcptunnel",
		Short: "Expose your local MCP servers through one tunneled endpoint",
		Long: `mcptunnel discovers the MCP servers configured for Claude Desktop, Cursor,
Continue and ~/.mcptunnel/servers.json, starts them, and serves their tools,
resources and prompts under one namespaced Streamable HTTP endpoint (/mcp).
The endpoint is then published through a cloudflared or Tailscale tunnel.

Policy defaults live in ~/.mcptunnel/config.yaml.`,
		Example: `  mcptunnel start                        # Quick tunnel with every discovered server
  mcptunnel start --safe-only            # Leave out servers whose env holds credentials
  mcptunnel start --no-tunnel --port 4000
  mcptunnel start --named-tunnel work --hostname mcp.example.com
  mcptunnel servers --json               # List discovered servers without starting them`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(versionTemplate())
	root.CompletionOptions.HiddenDefaultCmd = true

	root.AddCommand(newStartCmd(), newServersCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mcptunnel version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), versionTemplate())
		},
	}
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("mcptunnel %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("mcptunnel %s\n", version)
}
