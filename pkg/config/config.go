package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/appsecsanta/mcptunnel/pkg/registry"
)

// Config is the policy file read from ~/.mcptunnel/config.yaml or
// config.toml. Command-line flags override every field.
type Config struct {
	Sources  []string       `yaml:"sources" toml:"sources"`
	Require  []string       `yaml:"require" toml:"require"`
	Host     string         `yaml:"host" toml:"host"`
	Port     int            `yaml:"port" toml:"port"`
	SafeOnly bool           `yaml:"safe_only" toml:"safe_only"`
	Timeouts TimeoutsConfig `yaml:"timeouts" toml:"timeouts"`
	Guard    GuardConfig    `yaml:"guard" toml:"guard"`
	Paths    PathsConfig    `yaml:"paths" toml:"paths"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	CORS     CORSConfig     `yaml:"cors" toml:"cors"`
	Tunnel   TunnelConfig   `yaml:"tunnel" toml:"tunnel"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

// TimeoutsConfig bounds child and client interactions.
type TimeoutsConfig struct {
	Handshake   time.Duration `yaml:"-" toml:"-"`
	List        time.Duration `yaml:"-" toml:"-"`
	Call        time.Duration `yaml:"-" toml:"-"`
	StopGrace   time.Duration `yaml:"-" toml:"-"`
	SessionIdle time.Duration `yaml:"-" toml:"-"`

	// Raw string values for decoding
	HandshakeRaw   string `yaml:"handshake" toml:"handshake"`
	ListRaw        string `yaml:"list" toml:"list"`
	CallRaw        string `yaml:"call" toml:"call"`
	StopGraceRaw   string `yaml:"stop_grace" toml:"stop_grace"`
	SessionIdleRaw string `yaml:"session_idle" toml:"session_idle"`
}

// GuardConfig tunes the credential scan.
type GuardConfig struct {
	Ignore []string `yaml:"ignore" toml:"ignore"`
}

// PathsConfig overrides the discovery file of each source.
type PathsConfig struct {
	Claude    string `yaml:"claude" toml:"claude"`
	Cursor    string `yaml:"cursor" toml:"cursor"`
	Continue  string `yaml:"continue" toml:"continue"`
	MCPTunnel string `yaml:"mcptunnel" toml:"mcptunnel"`
}

// AuthConfig holds the bearer token remote clients must present.
type AuthConfig struct {
	Token string `yaml:"token" toml:"token"`
}

// CORSConfig lists browser origins allowed to reach /mcp.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TunnelConfig selects how the local endpoint is published.
type TunnelConfig struct {
	Mode        string          `yaml:"mode" toml:"mode"`
	Provider    string          `yaml:"provider" toml:"provider"`
	Name        string          `yaml:"name" toml:"name"`
	Hostname    string          `yaml:"hostname" toml:"hostname"`
	Cloudflared string          `yaml:"cloudflared" toml:"cloudflared"`
	Tailscale   TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
}

// TailscaleConfig holds tsnet settings for funnel publishing.
type TailscaleConfig struct {
	Hostname  string `yaml:"hostname" toml:"hostname"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

const (
	TunnelQuick = "quick"
	TunnelNamed = "named"
	TunnelNone  = "none"

	ProviderCloudflare = "cloudflare"
	ProviderTailscale  = "tailscale"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Sources: []string{"all"},
		Host:    "127.0.0.1",
		Port:    3000,
		Timeouts: TimeoutsConfig{
			Handshake:   5 * time.Second,
			List:        10 * time.Second,
			Call:        120 * time.Second,
			StopGrace:   5 * time.Second,
			SessionIdle: 30 * time.Minute,
		},
		Tunnel: TunnelConfig{
			Mode:        TunnelQuick,
			Provider:    ProviderCloudflare,
			Cloudflared: "cloudflared",
			Tailscale: TailscaleConfig{
				Hostname:  "mcptunnel",
				Ephemeral: true,
			},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath is ~/.mcptunnel/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".mcptunnel", "config.yaml")
	}
	return filepath.Join(home, ".mcptunnel", "config.yaml")
}

// Load reads the configuration at path over the defaults. An empty path
// tries DefaultPath and its .toml sibling and falls back to Default when
// neither exists. An explicit path that does not exist is an error.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, candidate := range []string{DefaultPath(), strings.TrimSuffix(DefaultPath(), ".yaml") + ".toml"} {
			cfg, err := Load(candidate)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return cfg, err
		}
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to "".
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshake", cfg.Timeouts.HandshakeRaw, &cfg.Timeouts.Handshake},
		{"list", cfg.Timeouts.ListRaw, &cfg.Timeouts.List},
		{"call", cfg.Timeouts.CallRaw, &cfg.Timeouts.Call},
		{"stop_grace", cfg.Timeouts.StopGraceRaw, &cfg.Timeouts.StopGrace},
		{"session_idle", cfg.Timeouts.SessionIdleRaw, &cfg.Timeouts.SessionIdle},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing timeouts.%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if _, err := c.SourceSet(); err != nil {
		return err
	}
	if _, err := c.RequiredSources(); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"handshake":    c.Timeouts.Handshake,
		"list":         c.Timeouts.List,
		"call":         c.Timeouts.Call,
		"stop_grace":   c.Timeouts.StopGrace,
		"session_idle": c.Timeouts.SessionIdle,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	if !slices.Contains([]string{TunnelQuick, TunnelNamed, TunnelNone}, c.Tunnel.Mode) {
		return fmt.Errorf("tunnel.mode %q is not one of quick, named, none", c.Tunnel.Mode)
	}
	if !slices.Contains([]string{ProviderCloudflare, ProviderTailscale}, c.Tunnel.Provider) {
		return fmt.Errorf("tunnel.provider %q is not one of cloudflare, tailscale", c.Tunnel.Provider)
	}
	if c.Tunnel.Mode == TunnelNamed && c.Tunnel.Provider == ProviderCloudflare && c.Tunnel.Name == "" {
		return fmt.Errorf("tunnel.name is required for a named cloudflare tunnel")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// SourceSet returns the sources discovery should consult.
func (c *Config) SourceSet() (registry.SourceSet, error) {
	return registry.ParseSources(strings.Join(c.Sources, ","))
}

// RequiredSources returns the sources whose configuration errors are fatal.
func (c *Config) RequiredSources() (registry.SourceSet, error) {
	set := make(registry.SourceSet, len(c.Require))
	for _, name := range c.Require {
		src := registry.Source(strings.ToLower(strings.TrimSpace(name)))
		if !src.Valid() {
			return nil, fmt.Errorf("require: unknown source %q", name)
		}
		set[src] = true
	}
	return set, nil
}

// SourcePaths returns the non-empty discovery path overrides.
func (c *Config) SourcePaths() map[registry.Source]string {
	out := make(map[registry.Source]string)
	for src, p := range map[registry.Source]string{
		registry.SourceClaude:    c.Paths.Claude,
		registry.SourceCursor:    c.Paths.Cursor,
		registry.SourceContinue:  c.Paths.Continue,
		registry.SourceMCPTunnel: c.Paths.MCPTunnel,
	} {
		if p != "" {
			out[src] = p
		}
	}
	return out
}

// Addr is the listen address of the router.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
