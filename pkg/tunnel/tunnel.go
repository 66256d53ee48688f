// Package tunnel publishes the local router endpoint on a public URL.
//
// Quick and Named drive the cloudflared binary; Funnel embeds a Tailscale
// node through tsnet and forwards funnel connections to the local listener.
// None publishes nothing and reports the local URL.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNoPublicURL means the tunnel started but never reported a public URL.
var ErrNoPublicURL = errors.New("tunnel: no public URL reported")

var errAlreadyPublished = errors.New("tunnel: already published")

var (
	_ Publisher = None{}
	_ Publisher = (*Quick)(nil)
	_ Publisher = (*Named)(nil)
	_ Publisher = (*Funnel)(nil)
)

// Publisher exposes a local HTTP listener.
type Publisher interface {
	// Publish starts the tunnel for localAddr (host:port) and returns the
	// public base URL. An empty URL means the tunnel runs but its public
	// address is unknown.
	Publish(ctx context.Context, localAddr string) (string, error)
	// Close stops the tunnel. It is safe to call more than once.
	Close() error
	// Name identifies the tunnel kind in logs.
	Name() string
}

// None is the publisher used with --no-tunnel.
type None struct{}

func (None) Publish(_ context.Context, localAddr string) (string, error) {
	return "http://" + localAddr, nil
}

func (None) Close() error { return nil }

func (None) Name() string { return "none" }

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
