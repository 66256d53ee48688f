package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"
)

// Options configure a Registry.
type Options struct {
	// Home is the directory discovery paths are resolved against. Defaults to
	// os.UserHomeDir.
	Home string
	// Paths overrides the discovery file of individual sources.
	Paths map[Source]string
	// GOOS selects the per-OS Claude Desktop location. Defaults to
	// runtime.GOOS.
	GOOS string
	// Getenv resolves APPDATA and XDG_CONFIG_HOME. Defaults to os.Getenv.
	Getenv func(string) string
	// Logger receives discovery diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Home == "" {
		if home, err := os.UserHomeDir(); err == nil {
			opts.Home = home
		}
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Registry loads server definitions from the discovery sources.
type Registry struct {
	opts Options
}

// New builds a Registry.
func New(opts *Options) *Registry {
	return &Registry{opts: opts.withDefaults()}
}

// PathsFor returns the files consulted for src, in the order they are tried.
func (r *Registry) PathsFor(src Source) []string {
	if p, ok := r.opts.Paths[src]; ok && p != "" {
		return []string{p}
	}
	adapter := adapterFor(src)
	if adapter == nil {
		return nil
	}
	return adapter.candidates(r)
}

// Load reads every selected source in Priority order. Definitions from
// healthy sources are returned even when other sources fail; the failures
// are joined into the returned error.
func (r *Registry) Load(ctx context.Context, filter SourceSet) ([]Definition, error) {
	var (
		defs []Definition
		errs []error
	)
	for _, src := range Priority {
		if !filter.Has(src) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := r.loadSource(src)
		if err != nil {
			r.opts.Logger.Warn("discovery source failed", "source", src, "error", err)
			errs = append(errs, err)
			continue
		}
		defs = append(defs, loaded...)
	}
	r.assignNamespaces(defs)
	for _, def := range defs {
		r.opts.Logger.Debug("discovered server",
			"server", def.ExposedName(), "source", def.Source, "path", def.Path,
			"command", def.CommandLine(), "env", def.EnvKeys())
	}
	return defs, errors.Join(errs...)
}

func (r *Registry) loadSource(src Source) ([]Definition, error) {
	adapter := adapterFor(src)
	for _, path := range r.PathsFor(src) {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			r.opts.Logger.Debug("discovery file not present", "source", src, "path", path)
			continue
		}
		if err != nil {
			return nil, &ConfigUnreadableError{Source: src, Path: path, Err: err}
		}
		entries, err := adapter.parse(path, data)
		if err != nil {
			return nil, &ConfigParseError{Source: src, Path: path, Err: err}
		}
		return r.normalize(src, path, entries)
	}
	return nil, nil
}

func (r *Registry) normalize(src Source, path string, entries []namedEntry) ([]Definition, error) {
	seen := make(map[string]bool, len(entries))
	defs := make([]Definition, 0, len(entries))
	for _, item := range entries {
		name := strings.TrimSpace(item.name)
		if name == "" {
			return nil, &ConfigParseError{Source: src, Path: path, Err: errors.New("server with empty name")}
		}
		if seen[name] {
			return nil, &DuplicateServerNameError{Source: src, Path: path, Name: name}
		}
		seen[name] = true
		if item.entry.remote() {
			r.opts.Logger.Warn("skipping remote MCP server, only stdio servers can be supervised",
				"source", src, "server", name)
			continue
		}
		if item.entry.Command == "" {
			return nil, &ConfigParseError{Source: src, Path: path, Err: fmt.Errorf("server %q has no command", name)}
		}
		def := Definition{
			Name:    name,
			Source:  src,
			Path:    path,
			Command: item.entry.Command,
			Args:    slices.Clone(item.entry.Args),
			Env:     make(map[string]string, len(item.entry.Env)),
		}
		for k, v := range item.entry.Env {
			def.Env[k] = v
		}
		defs = append(defs, def)
	}
	slices.SortFunc(defs, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return defs, nil
}

// assignNamespaces gives every definition a unique exposed name. The first
// source in priority order keeps the declared name.
func (r *Registry) assignNamespaces(defs []Definition) {
	taken := make(map[string]Definition, len(defs))
	for i := range defs {
		name := defs[i].Name
		prev, clash := taken[name]
		if !clash {
			defs[i].Namespace = name
			taken[name] = defs[i]
			continue
		}
		ns := name + "-" + string(defs[i].Source)
		for n := 2; ; n++ {
			if _, used := taken[ns]; !used {
				break
			}
			ns = fmt.Sprintf("%s-%s-%d", name, defs[i].Source, n)
		}
		defs[i].Namespace = ns
		taken[ns] = defs[i]
		r.opts.Logger.Warn("server name declared by multiple sources",
			"server", name, "source", defs[i].Source, "first_source", prev.Source, "exposed_as", ns)
	}
}
