package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/rs/cors"

	"github.com/appsecsanta/mcptunnel/pkg/aggregator"
	"github.com/appsecsanta/mcptunnel/pkg/registry"
	"github.com/appsecsanta/mcptunnel/pkg/supervisor"
)

const (
	sessionHeader  = "Mcp-Session-Id"
	protocolHeader = "Mcp-Protocol-Version"
)

// latestProtocolVersion is what initialize answers when the client asks for
// a revision the router does not speak.
const latestProtocolVersion = "2025-03-26"

var supportedProtocolVersions = map[string]bool{
	"2025-06-18": true,
	"2025-03-26": true,
	"2024-11-05": true,
}

// TableSource publishes the current capability table.
// *aggregator.Aggregator satisfies it.
type TableSource interface {
	Snapshot() *aggregator.Table
}

// Upstream is a child requests can be forwarded to.
type Upstream interface {
	Name() string
	State() supervisor.State
	Call(ctx context.Context, method string, params json.RawMessage) (*supervisor.Result, error)
}

// UpstreamSource resolves server namespaces to children.
type UpstreamSource interface {
	Upstream(name string) (Upstream, bool)
	Upstreams() []Upstream
}

// Supervised exposes the servers of sv as an UpstreamSource.
func Supervised(sv *supervisor.Supervisor) UpstreamSource {
	return supervisedSource{sv: sv}
}

type supervisedSource struct {
	sv *supervisor.Supervisor
}

func (s supervisedSource) Upstream(name string) (Upstream, bool) {
	srv, ok := s.sv.Lookup(name)
	if !ok {
		return nil, false
	}
	return srv, true
}

func (s supervisedSource) Upstreams() []Upstream {
	servers := s.sv.Servers()
	out := make([]Upstream, len(servers))
	for i, srv := range servers {
		out[i] = srv
	}
	return out
}

// Router is the Streamable HTTP front door. It answers list requests from the
// capability table and forwards everything addressed to a qualified name to
// the owning child.
type Router struct {
	tables    TableSource
	upstreams UpstreamSource
	opts      Options
	logger    *slog.Logger

	sessions *sessionStore
	progress *progressTracker
	cors     *cors.Cors

	httpHandler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
	addr         string
}

// New builds a Router.
func New(tables TableSource, upstreams UpstreamSource, opts *Options) (*Router, error) {
	if tables == nil {
		return nil, errors.New("router: table source is required")
	}
	if upstreams == nil {
		return nil, errors.New("router: upstream source is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, errors.New("router: TokenOptions requires TokenVerifier")
	}
	rt := &Router{
		tables:    tables,
		upstreams: upstreams,
		opts:      options,
		logger:    options.Logger,
		sessions:  newSessionStore(options.SessionIdleTimeout),
		progress:  newProgressTracker(options.Logger),
	}
	if len(options.AllowedOrigins) > 0 {
		rt.cors = cors.New(cors.Options{
			AllowedOrigins: options.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Accept", "Authorization", sessionHeader, protocolHeader, "Last-Event-ID"},
			ExposedHeaders: []string{sessionHeader, "WWW-Authenticate"},
		})
	}
	rt.httpHandler = rt.mountHandler()
	return rt, nil
}

// Handler exposes the HTTP handler serving the MCP endpoint and /health.
func (rt *Router) Handler() http.Handler {
	return rt.httpHandler
}

func (rt *Router) mountHandler() http.Handler {
	path := rt.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var endpoint http.Handler = http.HandlerFunc(rt.handleMCP)
	if rt.opts.TokenVerifier != nil {
		tokenOpts := rt.opts.TokenOptions
		if tokenOpts == nil {
			tokenOpts = &auth.RequireBearerTokenOptions{}
		}
		endpoint = auth.RequireBearerToken(rt.opts.TokenVerifier, tokenOpts)(endpoint)
	}
	if rt.cors != nil {
		endpoint = rt.checkOrigin(endpoint)
	}
	mux := http.NewServeMux()
	mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", endpoint)
	}
	mux.HandleFunc("/health", rt.handleHealth)
	if rt.cors != nil {
		return rt.cors.Handler(mux)
	}
	return mux
}

// checkOrigin rejects browser requests from origins outside AllowedOrigins.
func (rt *Router) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "" && !rt.cors.OriginAllowed(r) {
			http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe listens on Options.Addr and serves until ctx is cancelled.
func (rt *Router) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", rt.opts.Addr)
	if err != nil {
		return fmt.Errorf("router: listen on %s: %w", rt.opts.Addr, err)
	}
	return rt.Serve(ctx, ln)
}

// Serve runs an HTTP server on ln until the provided context is cancelled or
// the server stops.
func (rt *Router) Serve(ctx context.Context, ln net.Listener) error {
	rt.httpServerMu.Lock()
	if rt.httpServer != nil {
		serv := rt.httpServer
		rt.httpServerMu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("router: server already running on %s", serv.Addr)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	rt.httpServer = srv
	rt.addr = ln.Addr().String()
	rt.httpServerMu.Unlock()
	defer func() {
		rt.httpServerMu.Lock()
		if rt.httpServer == srv {
			rt.httpServer = nil
		}
		rt.httpServerMu.Unlock()
	}()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go rt.sessions.janitor(janitorCtx, janitorInterval(rt.opts.SessionIdleTimeout), func(n int) {
		rt.logger.Debug("expired idle sessions", "count", n)
	})

	rt.logger.Info("router listening", "addr", rt.addr, "path", rt.opts.Path)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.opts.ShutdownTimeout)
		defer cancel()
		rt.sessions.closeAll()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func janitorInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Addr returns the address Serve is listening on, or "" when not serving.
func (rt *Router) Addr() string {
	rt.httpServerMu.Lock()
	defer rt.httpServerMu.Unlock()
	if rt.httpServer == nil {
		return ""
	}
	return rt.addr
}

// Shutdown stops the embedded HTTP server if it is running.
func (rt *Router) Shutdown(ctx context.Context) error {
	rt.httpServerMu.Lock()
	srv := rt.httpServer
	rt.httpServer = nil
	rt.httpServerMu.Unlock()
	rt.sessions.closeAll()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// Sessions returns the number of live client sessions.
func (rt *Router) Sessions() int { return rt.sessions.len() }

// HandleNotification consumes a child notification. Progress is routed to the
// client request that owns the token. It reports whether the notification was
// delivered.
func (rt *Router) HandleNotification(server string, n *supervisor.Notification) bool {
	if n == nil || n.Method != "notifications/progress" {
		return false
	}
	return rt.progress.deliver(server, n.Params)
}

// handleMCP is the single MCP endpoint. GET is refused because the router
// never opens a standalone server stream.
func (rt *Router) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.handlePost(w, r)
	case http.MethodDelete:
		rt.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if !rt.sessions.delete(sessionID) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	rt.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

type healthServer struct {
	Name      string   `json:"name"`
	Source    string   `json:"source,omitempty"`
	State     string   `json:"state"`
	Tools     int      `json:"tools"`
	Resources int      `json:"resources"`
	Prompts   int      `json:"prompts"`
	Degraded  bool     `json:"degraded"`
	Failed    []string `json:"failedMethods,omitempty"`
}

type healthReport struct {
	Status    string         `json:"status"`
	Servers   []healthServer `json:"servers"`
	Tools     int            `json:"tools"`
	Resources int            `json:"resources"`
	Prompts   int            `json:"prompts"`
	Sessions  int            `json:"sessions"`
}

func (rt *Router) health() healthReport {
	table := rt.tables.Snapshot()
	report := healthReport{
		Status:    "ok",
		Servers:   []healthServer{},
		Tools:     table.Len(aggregator.KindTool),
		Resources: table.Len(aggregator.KindResource) + table.Len(aggregator.KindResourceTemplate),
		Prompts:   table.Len(aggregator.KindPrompt),
		Sessions:  rt.sessions.len(),
	}
	for _, up := range rt.upstreams.Upstreams() {
		entry := healthServer{Name: up.Name(), State: string(up.State())}
		if defined, ok := up.(interface{ Definition() registry.Definition }); ok {
			entry.Source = string(defined.Definition().Source)
		}
		if summary, ok := table.Summary(up.Name()); ok {
			entry.Tools = summary.Tools
			entry.Resources = summary.Resources + summary.ResourceTemplates
			entry.Prompts = summary.Prompts
			entry.Degraded = summary.Degraded
			entry.Failed = summary.FailedMethods
		}
		report.Servers = append(report.Servers, entry)
	}
	return report
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	rt.writeJSON(w, http.StatusOK, rt.health())
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rt.logError("write response", err)
	}
}

func (rt *Router) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	rt.logger.Error(msg, attrs...)
}
