package router

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/appsecsanta/mcptunnel/pkg/aggregator"
)

// Options configure a Router instance.
type Options struct {
	// Implementation identifies the router in initialize responses.
	Implementation *mcp.Implementation
	// Instructions are returned to clients at initialize.
	Instructions string
	// Addr controls the listen address used by ListenAndServe. Defaults to
	// "127.0.0.1:3000".
	Addr string
	// Path mounts the Streamable HTTP endpoint. Defaults to "/mcp".
	Path string
	// Namespace decomposes qualified names when a name is not in the table.
	// Defaults to ServerPrefixNamespace.
	Namespace aggregator.NamespaceStrategy
	// CallTimeout bounds every forwarded request. Defaults to 120s.
	CallTimeout time.Duration
	// SessionIdleTimeout expires sessions with no traffic. Defaults to 30m.
	SessionIdleTimeout time.Duration
	// MaxBodyBytes caps a POST body. Defaults to 4 MiB.
	MaxBodyBytes int64
	// ShutdownTimeout bounds graceful shutdown in ListenAndServe. Defaults to 5s.
	ShutdownTimeout time.Duration
	// TokenVerifier enables bearer authentication on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tunes bearer authentication. Requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// AllowedOrigins enables CORS for browser clients and rejects requests
	// whose Origin is not listed.
	AllowedOrigins []string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcptunnel",
			Title:   "mcpTunnel",
			Version: "dev",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:3000"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = aggregator.ServerPrefixNamespace{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 120 * time.Second
	}
	if opts.SessionIdleTimeout <= 0 {
		opts.SessionIdleTimeout = 30 * time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
