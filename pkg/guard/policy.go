package guard

import (
	"sort"
	"strings"

	"github.com/appsecsanta/mcptunnel/pkg/registry"
)

// Assessment pairs a definition with its findings.
type Assessment struct {
	Definition registry.Definition
	Findings   []Finding
}

// Safe reports whether no credential-like variables were found.
func (a Assessment) Safe() bool { return len(a.Findings) == 0 }

// Variables lists the distinct flagged variable names.
func (a Assessment) Variables() []string {
	seen := make(map[string]bool, len(a.Findings))
	var out []string
	for _, f := range a.Findings {
		if !seen[f.Variable] {
			seen[f.Variable] = true
			out = append(out, f.Variable)
		}
	}
	sort.Strings(out)
	return out
}

// Summary renders findings as "VAR(kind,kind) VAR(kind)".
func (a Assessment) Summary() string {
	kinds := make(map[string][]string)
	for _, f := range a.Findings {
		kinds[f.Variable] = append(kinds[f.Variable], string(f.Kind))
	}
	parts := make([]string, 0, len(kinds))
	for _, v := range a.Variables() {
		parts = append(parts, v+"("+strings.Join(kinds[v], ",")+")")
	}
	return strings.Join(parts, " ")
}

// Assess scans every definition, preserving order.
func (g Guard) Assess(defs []registry.Definition) []Assessment {
	out := make([]Assessment, 0, len(defs))
	for _, def := range defs {
		out = append(out, Assessment{Definition: def, Findings: g.Scan(def)})
	}
	return out
}

// Policy decides what happens to servers with findings.
type Policy struct {
	// SafeOnly excludes every server with at least one finding.
	SafeOnly bool
}

// Apply splits assessments into the servers to start and the servers to
// leave out. Without SafeOnly nothing is excluded; flagged servers are only
// reported.
func (p Policy) Apply(assessments []Assessment) (kept, excluded []Assessment) {
	for _, a := range assessments {
		if p.SafeOnly && !a.Safe() {
			excluded = append(excluded, a)
			continue
		}
		kept = append(kept, a)
	}
	return kept, excluded
}
