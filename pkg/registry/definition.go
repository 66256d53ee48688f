package registry

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Source identifies the client configuration a Definition was read from.
type Source string

const (
	SourceClaude    Source = "claude"
	SourceCursor    Source = "cursor"
	SourceContinue  Source = "continue"
	SourceMCPTunnel Source = "mcptunnel"
)

// Priority is the fixed order in which sources are parsed. Cross-source name
// collisions are resolved in favour of the earlier source.
var Priority = []Source{SourceClaude, SourceCursor, SourceContinue, SourceMCPTunnel}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	return slices.Contains(Priority, s)
}

// SourceSet filters which sources Load consults. A nil or empty set means all.
type SourceSet map[Source]bool

// AllSources returns a set containing every known source.
func AllSources() SourceSet {
	set := make(SourceSet, len(Priority))
	for _, src := range Priority {
		set[src] = true
	}
	return set
}

// ParseSources accepts "all" or a comma-separated list such as
// "claude,cursor".
func ParseSources(list string) (SourceSet, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "all" {
		return AllSources(), nil
	}
	set := make(SourceSet)
	for _, part := range strings.Split(list, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if part == "all" {
			return AllSources(), nil
		}
		src := Source(part)
		if !src.Valid() {
			return nil, fmt.Errorf("registry: unknown source %q (want one of claude, cursor, continue, mcptunnel, all)", part)
		}
		set[src] = true
	}
	if len(set) == 0 {
		return AllSources(), nil
	}
	return set, nil
}

// Has reports whether src is selected.
func (s SourceSet) Has(src Source) bool {
	if len(s) == 0 {
		return true
	}
	return s[src]
}

// String renders the set in priority order.
func (s SourceSet) String() string {
	if len(s) == 0 || len(s) == len(Priority) {
		return "all"
	}
	var parts []string
	for _, src := range Priority {
		if s[src] {
			parts = append(parts, string(src))
		}
	}
	return strings.Join(parts, ",")
}

// Definition describes one MCP server launched over stdio. Definitions are
// values; callers that need to change one work on a Clone.
type Definition struct {
	// Name is the key the server was declared under in its source file.
	Name string
	// Namespace is the server name exposed to clients. It equals Name unless
	// another source already claimed Name.
	Namespace string
	// Source is the client configuration the server came from.
	Source Source
	// Path is the file the definition was read from.
	Path    string
	Command string
	Args    []string
	Env     map[string]string
}

// Key returns the composite (source, name) identity of the definition.
func (d Definition) Key() string {
	return string(d.Source) + "/" + d.Name
}

// ExposedName returns Namespace, falling back to Name.
func (d Definition) ExposedName() string {
	if d.Namespace != "" {
		return d.Namespace
	}
	return d.Name
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	out := d
	out.Args = slices.Clone(d.Args)
	out.Env = maps.Clone(d.Env)
	return out
}

// EnvKeys returns the declared environment variable names, sorted.
func (d Definition) EnvKeys() []string {
	return slices.Sorted(maps.Keys(d.Env))
}

// CommandLine renders the command and arguments for display.
func (d Definition) CommandLine() string {
	if len(d.Args) == 0 {
		return d.Command
	}
	return d.Command + " " + strings.Join(d.Args, " ")
}
