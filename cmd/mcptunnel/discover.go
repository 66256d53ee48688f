package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/appsecsanta/mcptunnel/pkg/config"
	"github.com/appsecsanta/mcptunnel/pkg/guard"
	"github.com/appsecsanta/mcptunnel/pkg/logging"
	"github.com/appsecsanta/mcptunnel/pkg/registry"
)

// commonOptions are the flags shared by start and servers.
type commonOptions struct {
	configPath string
	sources    string
	require    []string
	safeOnly   bool
	verbose    bool
	logFormat  string
}

func (o *commonOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", "", "Policy file (default ~/.mcptunnel/config.yaml)")
	cmd.Flags().StringVar(&o.sources, "source", "all", "Discovery sources: claude, cursor, continue, mcptunnel or all (comma-separated)")
	cmd.Flags().StringSliceVar(&o.require, "require", nil, "Sources whose configuration errors are fatal")
	cmd.Flags().BoolVar(&o.safeOnly, "safe-only", false, "Leave out servers whose environment carries credentials")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "Log every discovery, spawn, finding and routing decision")
	cmd.Flags().StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")
}

// changedFlags reports which flags were set on the command line.
type changedFlags interface {
	Changed(name string) bool
}

// loadConfig reads the policy file and lays the command line over it.
func (o *commonOptions) loadConfig(flags changedFlags) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flags.Changed("source") {
		cfg.Sources = strings.Split(o.sources, ",")
	}
	if flags.Changed("require") {
		cfg.Require = o.require
	}
	if flags.Changed("safe-only") {
		cfg.SafeOnly = o.safeOnly
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	return cfg, nil
}

// newLogger logs to w, in color only when w is a terminal.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Writer:  w,
		NoColor: !isTerminal(w),
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// discover loads definitions from the configured sources and scans them for
// credentials. A failing source is fatal only when it is required.
func discover(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]guard.Assessment, error) {
	sources, err := cfg.SourceSet()
	if err != nil {
		return nil, err
	}
	required, err := cfg.RequiredSources()
	if err != nil {
		return nil, err
	}

	reg := registry.New(&registry.Options{Paths: cfg.SourcePaths(), Logger: logger})
	defs, err := reg.Load(ctx, sources)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	for _, src := range registry.FailedSources(err) {
		if required[src] {
			return nil, fmt.Errorf("required source %s failed: %w", src, err)
		}
	}
	logger.Info("discovered servers", "count", len(defs), "sources", sources.String())

	assessments := guard.Guard{Ignore: cfg.Guard.Ignore}.Assess(defs)
	for _, a := range assessments {
		for _, f := range a.Findings {
			logger.Debug("credential finding", "server", f.Server, "variable", f.Variable, "kind", f.Kind)
		}
	}
	return assessments, nil
}
