// Command mcptunnel aggregates the MCP servers configured for local AI
// clients behind one Streamable HTTP endpoint and publishes it through a
// tunnel.
package main

import (
	"fmt"
	"os"
)

// Version information set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
