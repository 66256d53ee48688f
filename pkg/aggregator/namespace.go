package aggregator

import "strings"

// DefaultSeparator joins a server namespace and a native identifier.
const DefaultSeparator = "__"

// Candidate is one possible decomposition of a qualified identifier.
type Candidate struct {
	Server string
	Native string
}

// NamespaceStrategy generates the downstream identifiers for upstream MCP
// servers. Implementations must be deterministic and reversible: every
// qualified name produced by Qualify must appear among the candidates Split
// returns for it.
type NamespaceStrategy interface {
	Qualify(server, native string) string
	// Split lists the decompositions of qualified, leftmost separator first.
	Split(qualified string) []Candidate
}

// ServerPrefixNamespace prefixes every identifier with the originating server
// namespace, separating fields with a configurable delimiter (defaults to "__"
// to stay within the MCP tool name character guidance). Tool names, prompt
// names, resource URIs and resource template URIs are all qualified the same
// way.
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return DefaultSeparator
	}
	return s.Separator
}

func (s ServerPrefixNamespace) Qualify(server, native string) string {
	return server + s.separator() + native
}

func (s ServerPrefixNamespace) Split(qualified string) []Candidate {
	sep := s.separator()
	var out []Candidate
	offset := 0
	for {
		i := strings.Index(qualified[offset:], sep)
		if i < 0 {
			return out
		}
		at := offset + i
		if at > 0 {
			out = append(out, Candidate{Server: qualified[:at], Native: qualified[at+len(sep):]})
		}
		offset = at + 1
	}
}
