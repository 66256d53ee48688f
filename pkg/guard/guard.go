// Package guard flags MCP server definitions whose environment carries
// credentials. Scanning is pure: it never changes or drops a definition.
// Callers decide what to do with the findings through a Policy.
package guard

import (
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/appsecsanta/mcptunnel/pkg/registry"
)

// Kind names the pattern class that matched.
type Kind string

const (
	KindNamePattern    Kind = "name_pattern"
	KindProviderPrefix Kind = "provider_prefix"
	KindHighEntropy    Kind = "high_entropy"
	KindURLCredentials Kind = "url_credentials"
)

var kindOrder = []Kind{KindNamePattern, KindProviderPrefix, KindHighEntropy, KindURLCredentials}

// Finding records one environment variable that looks like a secret. The
// value itself is never kept.
type Finding struct {
	Server   string
	Variable string
	Kind     Kind
}

// Guard scans definitions. The zero value is ready to use.
type Guard struct {
	// Ignore lists variable names that are never reported. Entries are
	// case-insensitive and may be glob patterns such as "*_PUBLIC_KEY".
	Ignore []string
}

var defaultGuard Guard

// Scan reports the credential-like variables of def using the zero Guard.
func Scan(def registry.Definition) []Finding {
	return defaultGuard.Scan(def)
}

// Scan reports the credential-like variables of def, ordered by variable
// name and then by kind. The same input always yields the same output.
func (g Guard) Scan(def registry.Definition) []Finding {
	var findings []Finding
	for _, name := range def.EnvKeys() {
		if g.ignored(name) {
			continue
		}
		for _, kind := range classify(name, def.Env[name]) {
			findings = append(findings, Finding{Server: def.ExposedName(), Variable: name, Kind: kind})
		}
	}
	return findings
}

func (g Guard) ignored(name string) bool {
	upper := strings.ToUpper(name)
	return slices.ContainsFunc(g.Ignore, func(pattern string) bool {
		pattern = strings.ToUpper(pattern)
		if pattern == upper {
			return true
		}
		matched, err := doublestar.Match(pattern, upper)
		return err == nil && matched
	})
}

// classify returns the matching kinds in kindOrder.
func classify(name, value string) []Kind {
	matched := make(map[Kind]bool, len(kindOrder))
	if value != "" && secretName(name) {
		matched[KindNamePattern] = true
	}
	if providerPrefixed(value) {
		matched[KindProviderPrefix] = true
	}
	if highEntropy(value) {
		matched[KindHighEntropy] = true
	}
	if urlWithPassword(value) {
		matched[KindURLCredentials] = true
	}
	var kinds []Kind
	for _, kind := range kindOrder {
		if matched[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
