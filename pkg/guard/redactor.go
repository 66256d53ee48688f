package guard

import (
	"sort"
	"strings"

	"github.com/appsecsanta/mcptunnel/pkg/registry"
)

const (
	redactedPlaceholder = "[REDACTED]"
	minRedactLength     = 6
)

// Redactor replaces known secret values with a placeholder so they never
// reach the log when a child echoes its environment.
type Redactor struct {
	secrets []string
}

// NewRedactor collects the values of the variables flagged in findings.
func NewRedactor(def registry.Definition, findings []Finding) *Redactor {
	seen := make(map[string]bool)
	var secrets []string
	for _, f := range findings {
		v := def.Env[f.Variable]
		if len(v) < minRedactLength || seen[v] {
			continue
		}
		seen[v] = true
		secrets = append(secrets, v)
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	return &Redactor{secrets: secrets}
}

// RedactorFor scans def with the zero Guard and builds a Redactor from the
// result. Guard.Ignore only decides which servers are excluded; an ignored
// variable is still scrubbed from child output.
func RedactorFor(def registry.Definition) *Redactor {
	return NewRedactor(def, Scan(def))
}

// Redact replaces every occurrence of a known secret value in text with
// "[REDACTED]". A nil Redactor returns text unchanged.
func (r *Redactor) Redact(text string) string {
	if r == nil {
		return text
	}
	for _, secret := range r.secrets {
		text = strings.ReplaceAll(text, secret, redactedPlaceholder)
	}
	return text
}
