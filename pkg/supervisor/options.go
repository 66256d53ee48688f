package supervisor

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Notification is a message the child sent without an id.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Options configure a Supervisor.
type Options struct {
	// ClientInfo identifies the supervisor during the initialize handshake.
	ClientInfo *mcp.Implementation
	// HandshakeTimeout bounds spawn plus initialize. Defaults to 5s.
	HandshakeTimeout time.Duration
	// StopGrace is how long Stop waits after the termination signal before
	// killing the process group. Defaults to 5s.
	StopGrace time.Duration
	// QueueSize caps the buffered calls per server. Defaults to 64.
	QueueSize int
	// BaseEnv is the parent environment the definition env is merged over.
	// Defaults to MinimalEnv().
	BaseEnv []string
	// LogRPC traces every JSON-RPC frame at debug level.
	LogRPC bool
	// OnNotification receives child notifications such as progress and
	// list_changed. It is called from the server's reader goroutine.
	OnNotification func(server *Server, n *Notification)
	// OnStateChange observes every lifecycle transition.
	OnStateChange func(server *Server, from, to State)
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientInfo == nil {
		opts.ClientInfo = &mcp.Implementation{Name: "mcptunnel", Version: "dev"}
	} else {
		impl := *opts.ClientInfo
		opts.ClientInfo = &impl
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.BaseEnv == nil {
		opts.BaseEnv = MinimalEnv()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
