package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/appsecsanta/mcptunnel/pkg/aggregator"
	"github.com/appsecsanta/mcptunnel/pkg/config"
	"github.com/appsecsanta/mcptunnel/pkg/guard"
	"github.com/appsecsanta/mcptunnel/pkg/registry"
	"github.com/appsecsanta/mcptunnel/pkg/router"
	"github.com/appsecsanta/mcptunnel/pkg/supervisor"
	"github.com/appsecsanta/mcptunnel/pkg/tunnel"
)

const authTokenEnv = "MCPTUNNEL_AUTH_TOKEN"

type startOptions struct {
	commonOptions
	host        string
	port        int
	quickTunnel bool
	namedTunnel string
	noTunnel    bool
	hostname    string
	provider    string
	authToken   string
	traceRPC    bool

	// onReady is called with the local and public URLs once serving.
	onReady func(local, public string)
}

func newStartCmd() *cobra.Command {
	return (&startOptions{}).command()
}

func (o *startOptions) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the discovered servers and serve them on /mcp",
		Long: `Starts every discovered MCP server as a child process, aggregates their
tools, resources and prompts under server-prefixed names (files__read_file),
and serves them over MCP Streamable HTTP on http://<host>:<port>/mcp.

Unless --no-tunnel is given the endpoint is published through a cloudflared
quick tunnel, a named tunnel (--named-tunnel) or Tailscale Funnel
(--tunnel-provider tailscale). Stop with Ctrl-C; every child is terminated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.resolve(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return o.run(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()), cmd.OutOrStdout())
		},
	}
	o.register(cmd)
	cmd.Flags().StringVar(&o.host, "host", "127.0.0.1", "Interface the router listens on")
	cmd.Flags().IntVarP(&o.port, "port", "p", 3000, "Port the router listens on")
	cmd.Flags().BoolVar(&o.quickTunnel, "quick-tunnel", true, "Publish through a cloudflared quick tunnel")
	cmd.Flags().StringVar(&o.namedTunnel, "named-tunnel", "", "Publish through this cloudflared named tunnel")
	cmd.Flags().BoolVar(&o.noTunnel, "no-tunnel", false, "Serve locally only")
	cmd.Flags().StringVar(&o.hostname, "hostname", "", "Public hostname routed to the named tunnel")
	cmd.Flags().StringVar(&o.provider, "tunnel-provider", config.ProviderCloudflare, "Tunnel provider: cloudflare or tailscale")
	cmd.Flags().StringVar(&o.authToken, "auth-token", "", "Bearer token remote clients must present (or $"+authTokenEnv+")")
	cmd.Flags().BoolVar(&o.traceRPC, "trace-rpc", false, "Log every JSON-RPC frame exchanged with children")
	_ = cmd.Flags().MarkHidden("trace-rpc")
	return cmd
}

// resolve merges defaults, the policy file, the environment and the flags,
// in increasing precedence.
func (o *startOptions) resolve(flags changedFlags) (*config.Config, error) {
	cfg, err := o.loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if flags.Changed("host") {
		cfg.Host = o.host
	}
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if token := os.Getenv(authTokenEnv); token != "" {
		cfg.Auth.Token = token
	}
	if flags.Changed("auth-token") {
		cfg.Auth.Token = o.authToken
	}
	if flags.Changed("tunnel-provider") {
		cfg.Tunnel.Provider = o.provider
	}
	if flags.Changed("hostname") {
		cfg.Tunnel.Hostname = o.hostname
	}
	switch {
	case o.noTunnel:
		cfg.Tunnel.Mode = config.TunnelNone
	case o.namedTunnel != "":
		cfg.Tunnel.Mode = config.TunnelNamed
		cfg.Tunnel.Name = o.namedTunnel
	case flags.Changed("quick-tunnel"):
		cfg.Tunnel.Mode = config.TunnelNone
		if o.quickTunnel {
			cfg.Tunnel.Mode = config.TunnelQuick
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating options: %w", err)
	}
	return cfg, nil
}

// run executes the start pipeline: discover, guard, spawn, aggregate, serve
// and publish. Every spawned child is stopped before run returns.
func (o *startOptions) run(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	assessments, err := discover(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if len(assessments) == 0 {
		return errors.New("no MCP servers discovered; run `mcptunnel servers` to see where mcptunnel looks")
	}

	kept, excluded := guard.Policy{SafeOnly: cfg.SafeOnly}.Apply(assessments)
	for _, a := range excluded {
		logger.Warn("excluding server with credentials in its environment",
			"server", a.Definition.ExposedName(), "variables", strings.Join(a.Variables(), ","))
	}
	for _, a := range kept {
		if !a.Safe() {
			logger.Warn("server environment contains credentials",
				"server", a.Definition.ExposedName(), "findings", a.Summary())
		}
	}
	if len(kept) == 0 {
		return errors.New("every discovered server was excluded by --safe-only")
	}
	defs := make([]registry.Definition, len(kept))
	for i, a := range kept {
		defs[i] = a.Definition
	}

	agg := aggregator.New(nil, &aggregator.Options{ListTimeout: cfg.Timeouts.List, Logger: logger})
	defer agg.Close()

	var rt *router.Router
	sv := supervisor.New(&supervisor.Options{
		ClientInfo:       &mcp.Implementation{Name: "mcptunnel", Version: version},
		HandshakeTimeout: cfg.Timeouts.Handshake,
		StopGrace:        cfg.Timeouts.StopGrace,
		LogRPC:           o.traceRPC,
		OnNotification: func(s *supervisor.Server, n *supervisor.Notification) {
			switch n.Method {
			case "notifications/progress":
				rt.HandleNotification(s.Name(), n)
			case "notifications/tools/list_changed",
				"notifications/resources/list_changed",
				"notifications/prompts/list_changed":
				agg.ScheduleRefresh(ctx, s)
			}
		},
		OnStateChange: func(s *supervisor.Server, from, to supervisor.State) {
			if from == supervisor.StateReady && to.Terminal() {
				agg.Drop(s.Name())
			}
		},
		Logger: logger,
	})
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.StopGrace+5*time.Second)
		defer cancel()
		if err := sv.StopAll(stopCtx); err != nil {
			logger.Warn("stopping servers", "error", err)
		}
	}()

	routerOpts := &router.Options{
		Implementation:     &mcp.Implementation{Name: "mcptunnel", Title: "mcpTunnel", Version: version},
		Addr:               cfg.Addr(),
		Namespace:          agg.Namespace(),
		CallTimeout:        cfg.Timeouts.Call,
		SessionIdleTimeout: cfg.Timeouts.SessionIdle,
		ShutdownTimeout:    cfg.Timeouts.StopGrace,
		AllowedOrigins:     cfg.CORS.AllowedOrigins,
		Logger:             logger,
	}
	if cfg.Auth.Token != "" {
		routerOpts.TokenVerifier = bearerVerifier(cfg.Auth.Token)
	} else if cfg.Tunnel.Mode != config.TunnelNone {
		logger.Warn("publishing without an auth token; anyone with the URL can call your tools", "hint", "set --auth-token or "+authTokenEnv)
	}
	rt, err = router.New(agg, router.Supervised(sv), routerOpts)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	defer ln.Close()

	ready, startErr := sv.StartAll(ctx, defs)
	if ctx.Err() != nil {
		return nil
	}
	if startErr != nil {
		logger.Debug("some servers failed to start", "error", startErr)
	}
	if len(ready) == 0 {
		return fmt.Errorf("no server reached ready: %w", startErr)
	}
	upstreams := make([]aggregator.Upstream, len(ready))
	for i, s := range ready {
		upstreams[i] = s
	}
	agg.Rebuild(ctx, upstreams)
	table := agg.Snapshot()
	logger.Info("aggregated capabilities",
		"servers", len(ready),
		"failed", len(defs)-len(ready),
		"tools", table.Len(aggregator.KindTool),
		"resources", table.Len(aggregator.KindResource)+table.Len(aggregator.KindResourceTemplate),
		"prompts", table.Len(aggregator.KindPrompt),
	)

	serveCtx, stopServe := context.WithCancel(ctx)
	serveErr := make(chan error, 1)
	go func() { serveErr <- rt.Serve(serveCtx, ln) }()
	served := false
	defer func() {
		stopServe()
		if !served {
			<-serveErr
		}
	}()

	localURL := "http://" + ln.Addr().String()
	publisher := newPublisher(cfg, logger)
	publicURL, err := publisher.Publish(ctx, ln.Addr().String())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("publishing via %s: %w", publisher.Name(), err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("closing tunnel", "tunnel", publisher.Name(), "error", err)
		}
	}()

	fmt.Fprintf(out, "mcptunnel is serving %d server(s), %d tool(s)\n", len(ready), table.Len(aggregator.KindTool))
	fmt.Fprintf(out, "  local:  %s/mcp\n", localURL)
	if publicURL != "" && publicURL != localURL {
		fmt.Fprintf(out, "  public: %s/mcp\n", publicURL)
		logger.Info("public endpoint ready", "url", publicURL+"/mcp", "tunnel", publisher.Name())
	}
	if o.onReady != nil {
		o.onReady(localURL, publicURL)
	}

	err = <-serveErr
	served = true
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	if err == nil {
		err = errors.New("router stopped unexpectedly")
	}
	return err
}

func newPublisher(cfg *config.Config, logger *slog.Logger) tunnel.Publisher {
	t := cfg.Tunnel
	if t.Mode == config.TunnelNone {
		return tunnel.None{}
	}
	if t.Provider == config.ProviderTailscale {
		return &tunnel.Funnel{
			Hostname:  t.Tailscale.Hostname,
			StateDir:  t.Tailscale.StateDir,
			AuthKey:   t.Tailscale.AuthKey,
			Ephemeral: t.Tailscale.Ephemeral,
			Logger:    logger,
		}
	}
	if t.Mode == config.TunnelNamed {
		return &tunnel.Named{
			Binary:    t.Cloudflared,
			Tunnel:    t.Name,
			Hostname:  t.Hostname,
			StopGrace: cfg.Timeouts.StopGrace,
			Logger:    logger,
		}
	}
	return &tunnel.Quick{
		Binary:    t.Cloudflared,
		StopGrace: cfg.Timeouts.StopGrace,
		Logger:    logger,
	}
}

// bearerVerifier accepts exactly token. The expiration is synthetic because
// a static token never expires.
func bearerVerifier(token string) auth.TokenVerifier {
	return func(_ context.Context, presented string, _ *http.Request) (*auth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}
