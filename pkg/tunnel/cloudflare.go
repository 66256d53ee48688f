package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultCloudflared  = "cloudflared"
	defaultQuickTimeout = 25 * time.Second
	quickTunnelDomain   = ".trycloudflare.com"
	// cloudflared logs this once per edge connection of a named tunnel.
	registeredMarker = "Registered tunnel connection"
)

// Quick runs a cloudflared quick tunnel, which needs no account and gets a
// random https://*.trycloudflare.com address.
type Quick struct {
	// Binary is the cloudflared executable. Defaults to "cloudflared".
	Binary string
	// Timeout bounds the wait for the public URL. Defaults to 25s.
	Timeout time.Duration
	// StopGrace is how long Close waits before killing cloudflared.
	StopGrace time.Duration
	// Env adds variables to the cloudflared environment.
	Env    []string
	Logger *slog.Logger

	mu   sync.Mutex
	proc *process
}

func (q *Quick) Name() string { return "cloudflare-quick" }

func (q *Quick) Publish(ctx context.Context, localAddr string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.proc != nil {
		return "", errAlreadyPublished
	}
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = defaultQuickTimeout
	}
	logger := loggerOr(q.Logger).With("tunnel", q.Name())

	urls := make(chan string, 1)
	args := []string{"tunnel", "--no-autoupdate", "--url", "http://" + localAddr}
	proc, err := startProcess(binaryOr(q.Binary), args, q.Env, q.StopGrace, logger, func(line string) {
		if u := quickTunnelURL(line); u != "" {
			select {
			case urls <- u:
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case u := <-urls:
		q.proc = proc
		logger.Debug("quick tunnel ready", "url", u)
		return u, nil
	case <-proc.done:
		return "", proc.exitErr()
	case <-timer.C:
		_ = proc.stop()
		return "", fmt.Errorf("%w within %s", ErrNoPublicURL, timeout)
	case <-ctx.Done():
		_ = proc.stop()
		return "", ctx.Err()
	}
}

func (q *Quick) Close() error {
	q.mu.Lock()
	proc := q.proc
	q.proc = nil
	q.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.stop()
}

// Named runs a cloudflared named tunnel that was created and routed with
// `cloudflared tunnel create` and `cloudflared tunnel route dns`.
type Named struct {
	// Binary is the cloudflared executable. Defaults to "cloudflared".
	Binary string
	// Tunnel is the tunnel name or UUID.
	Tunnel string
	// Hostname is the DNS name routed to the tunnel. Without it the public
	// URL is unknown.
	Hostname string
	// Timeout bounds the wait for the first edge connection. Reaching it is
	// not an error. Defaults to 25s.
	Timeout   time.Duration
	StopGrace time.Duration
	Env       []string
	Logger    *slog.Logger

	mu   sync.Mutex
	proc *process
}

func (n *Named) Name() string { return "cloudflare-named" }

func (n *Named) Publish(ctx context.Context, localAddr string) (string, error) {
	if n.Tunnel == "" {
		return "", errors.New("tunnel: named tunnel requires a tunnel name")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.proc != nil {
		return "", errAlreadyPublished
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultQuickTimeout
	}
	logger := loggerOr(n.Logger).With("tunnel", n.Name(), "name", n.Tunnel)

	registered := make(chan struct{}, 1)
	args := []string{"tunnel", "--no-autoupdate", "run", "--url", "http://" + localAddr, n.Tunnel}
	proc, err := startProcess(binaryOr(n.Binary), args, n.Env, n.StopGrace, logger, func(line string) {
		if strings.Contains(line, registeredMarker) {
			select {
			case registered <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-registered:
	case <-proc.done:
		return "", proc.exitErr()
	case <-timer.C:
		logger.Warn("named tunnel has not registered an edge connection yet", "waited", timeout)
	case <-ctx.Done():
		_ = proc.stop()
		return "", ctx.Err()
	}
	n.proc = proc

	if n.Hostname == "" {
		logger.Warn("named tunnel is running but its public hostname is unknown; pass --hostname")
		return "", nil
	}
	host := strings.TrimSuffix(strings.TrimPrefix(n.Hostname, "https://"), "/")
	return "https://" + host, nil
}

func (n *Named) Close() error {
	n.mu.Lock()
	proc := n.proc
	n.proc = nil
	n.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.stop()
}

func binaryOr(b string) string {
	if b == "" {
		return defaultCloudflared
	}
	return b
}

// findFirstURL returns the first http(s) URL in s, trimmed of surrounding
// punctuation such as the box drawing cloudflared prints around it.
func findFirstURL(s string) string {
	i := strings.Index(s, "http")
	if i == -1 {
		return ""
	}
	seg := s[i:]
	if j := strings.IndexAny(seg, " \t|"); j != -1 {
		seg = seg[:j]
	}
	return strings.TrimRight(strings.Trim(seg, "[]()<>\"'"), "/")
}

// quickTunnelURL extracts the public trycloudflare.com URL from a
// cloudflared log line. The API endpoint cloudflared mentions in errors is
// not a tunnel URL.
func quickTunnelURL(line string) string {
	if !strings.Contains(line, quickTunnelDomain) {
		return ""
	}
	for _, field := range strings.Fields(line) {
		u := findFirstURL(field)
		host, ok := strings.CutPrefix(u, "https://")
		if !ok || !strings.HasSuffix(host, quickTunnelDomain) || host == "api"+quickTunnelDomain {
			continue
		}
		return u
	}
	return ""
}
