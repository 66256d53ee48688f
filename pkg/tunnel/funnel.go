package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Funnel publishes the endpoint through Tailscale Funnel from an embedded
// tsnet node. The tailnet must allow funnel for the node.
type Funnel struct {
	// Hostname is the node name on the tailnet. Defaults to "mcptunnel".
	Hostname string
	// StateDir keeps the node identity between runs. Defaults to
	// ~/.mcptunnel/tailscale.
	StateDir string
	// AuthKey registers the node without an interactive login. Falls back to
	// TS_AUTHKEY.
	AuthKey   string
	Ephemeral bool
	Logger    *slog.Logger

	mu     sync.Mutex
	lock   *flock.Flock
	srv    *tsnet.Server
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (f *Funnel) Name() string { return "tailscale-funnel" }

func (f *Funnel) Publish(ctx context.Context, localAddr string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srv != nil {
		return "", errAlreadyPublished
	}
	logger := loggerOr(f.Logger).With("tunnel", f.Name())

	stateDir, err := resolveStateDir(f.StateDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", fmt.Errorf("tunnel: creating tailscale state dir: %w", err)
	}
	lock, err := lockStateDir(stateDir)
	if err != nil {
		return "", err
	}
	hostname := f.Hostname
	if hostname == "" {
		hostname = "mcptunnel"
	}
	authKey := f.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}

	srv := &tsnet.Server{
		Hostname:  hostname,
		Dir:       stateDir,
		Ephemeral: f.Ephemeral,
		AuthKey:   authKey,
		Logf: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		},
		UserLogf: func(format string, args ...any) {
			logger.Info(fmt.Sprintf(format, args...))
		},
	}

	logger.Info("starting tailscale node", "hostname", hostname, "state_dir", stateDir, "ephemeral", f.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		_ = lock.Unlock()
		return "", fmt.Errorf("tunnel: starting tailscale: %w", err)
	}
	publicURL, err := funnelURL(status)
	if err != nil {
		_ = srv.Close()
		_ = lock.Unlock()
		return "", err
	}

	ln, err := srv.ListenFunnel("tcp", ":443")
	if err != nil {
		_ = srv.Close()
		_ = lock.Unlock()
		return "", fmt.Errorf("tunnel: listening on tailscale funnel: %w", err)
	}

	proxyCtx, cancel := context.WithCancel(context.Background())
	f.lock, f.srv, f.ln, f.cancel = lock, srv, ln, cancel
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		forward(proxyCtx, ln, localAddr, logger)
	}()
	return publicURL, nil
}

func (f *Funnel) Close() error {
	f.mu.Lock()
	lock, srv, ln, cancel := f.lock, f.srv, f.ln, f.cancel
	f.lock, f.srv, f.ln, f.cancel = nil, nil, nil, nil
	f.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	var errs []error
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing funnel listener: %w", err))
	}
	f.wg.Wait()
	if err := srv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
	}
	if err := lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("releasing tailscale state lock: %w", err))
	}
	return errors.Join(errs...)
}

// lockStateDir takes an exclusive lock on dir so two nodes never share one
// tailscale identity.
func lockStateDir(dir string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(dir, "mcptunnel.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("tunnel: locking tailscale state dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("tunnel: tailscale state dir %s is in use by another mcptunnel", dir)
	}
	return lock, nil
}

func resolveStateDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("tunnel: resolving tailscale state dir: %w", err)
	}
	return filepath.Join(home, ".mcptunnel", "tailscale"), nil
}

// funnelURL is the public HTTPS base URL of the node described by status.
func funnelURL(status *ipnstate.Status) (string, error) {
	if status == nil || status.Self == nil || status.Self.DNSName == "" {
		return "", errors.New("tunnel: tailscale node has no DNS name; enable MagicDNS and HTTPS for the tailnet")
	}
	return "https://" + strings.TrimSuffix(status.Self.DNSName, "."), nil
}

const dialTimeout = 5 * time.Second

// forward copies every connection accepted on ln to a new connection to
// target until ctx is cancelled or ln is closed.
func forward(ctx context.Context, ln net.Listener, target string, logger *slog.Logger) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Warn("funnel accept failed", "error", err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pipe(ctx, conn, target, logger)
		}()
	}
}

func pipe(ctx context.Context, in net.Conn, target string, logger *slog.Logger) {
	defer in.Close()
	d := net.Dialer{Timeout: dialTimeout}
	out, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		logger.Warn("funnel could not reach local endpoint", "target", target, "error", err)
		return
	}
	defer out.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = in.Close()
		_ = out.Close()
	})
	defer stop()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(out, in)
		closeWrite(out)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(in, out)
		closeWrite(in)
		done <- struct{}{}
	}()
	<-done
	<-done
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
