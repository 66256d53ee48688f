package aggregator

import (
	"encoding/json"
	"slices"
)

// Kind is a category of aggregated capability.
type Kind string

const (
	KindTool             Kind = "tool"
	KindResource         Kind = "resource"
	KindResourceTemplate Kind = "resource_template"
	KindPrompt           Kind = "prompt"
)

// Kinds lists every kind in table order.
var Kinds = []Kind{KindTool, KindResource, KindResourceTemplate, KindPrompt}

const (
	metaKeyServer   = "mcptunnel/server"
	metaKeyOriginal = "mcptunnel/original"
)

type listSpec struct {
	method string
	// key is the array member of the list result.
	key string
	// field is the identifying member of each item.
	field string
}

var listSpecs = map[Kind]listSpec{
	KindTool:             {method: "tools/list", key: "tools", field: "name"},
	KindResource:         {method: "resources/list", key: "resources", field: "uri"},
	KindResourceTemplate: {method: "resources/templates/list", key: "resourceTemplates", field: "uriTemplate"},
	KindPrompt:           {method: "prompts/list", key: "prompts", field: "name"},
}

// ListMethod returns the MCP method that lists k.
func (k Kind) ListMethod() string { return listSpecs[k].method }

// ResultKey returns the result member that holds the items of k.
func (k Kind) ResultKey() string { return listSpecs[k].key }

// Entry is one aggregated capability.
type Entry struct {
	Kind Kind
	// Name is the qualified name or URI clients see.
	Name   string
	Server string
	// Native is the name or URI the child knows.
	Native string
	// Item is the child's JSON object with its identifier qualified and its
	// _meta extended with the origin.
	Item json.RawMessage
}

type serverRows struct {
	entries map[Kind][]Entry
	failed  []string
}

func (r *serverRows) degraded() bool { return r != nil && len(r.failed) > 0 }

// ServerSummary counts what one server contributes to a table.
type ServerSummary struct {
	Name              string
	Tools             int
	Resources         int
	ResourceTemplates int
	Prompts           int
	Degraded          bool
	FailedMethods     []string
}

// Table is an immutable snapshot of the aggregated capabilities. It is safe
// for concurrent use and never changes once published.
type Table struct {
	order []string
	rows  map[string]*serverRows

	index map[Kind]map[string]Entry
	lists map[Kind][]Entry
	// clashes are cross-server collisions resolved while indexing.
	clashes []*DuplicateToolError
}

func emptyTable() *Table {
	return newTable(nil, map[string]*serverRows{})
}

// newTable indexes rows. When two servers produce the same qualified name the
// one whose namespace ends at the leftmost separator wins, matching how Split
// orders candidates.
func newTable(order []string, rows map[string]*serverRows) *Table {
	t := &Table{
		order: order,
		rows:  rows,
		index: make(map[Kind]map[string]Entry, len(Kinds)),
		lists: make(map[Kind][]Entry, len(Kinds)),
	}
	for _, kind := range Kinds {
		winners := make(map[string]Entry)
		for _, server := range order {
			for _, e := range rows[server].entries[kind] {
				cur, taken := winners[e.Name]
				switch {
				case !taken:
					winners[e.Name] = e
				case len(e.Server) < len(cur.Server):
					t.clashes = append(t.clashes, &DuplicateToolError{Server: cur.Server, Name: e.Name, Kind: kind, Winner: e.Server})
					winners[e.Name] = e
				default:
					t.clashes = append(t.clashes, &DuplicateToolError{Server: e.Server, Name: e.Name, Kind: kind, Winner: cur.Server})
				}
			}
		}
		var list []Entry
		for _, server := range order {
			for _, e := range rows[server].entries[kind] {
				if winners[e.Name].Server == e.Server {
					list = append(list, e)
				}
			}
		}
		t.index[kind] = winners
		t.lists[kind] = list
	}
	return t
}

// without returns a copy of t lacking server.
func (t *Table) without(server string) *Table {
	if _, ok := t.rows[server]; !ok {
		return t
	}
	order := make([]string, 0, len(t.order))
	rows := make(map[string]*serverRows, len(t.rows))
	for _, name := range t.order {
		if name == server {
			continue
		}
		order = append(order, name)
		rows[name] = t.rows[name]
	}
	return newTable(order, rows)
}

// with returns a copy of t where server's rows are replaced, appending server
// when it is new.
func (t *Table) with(server string, r *serverRows) *Table {
	order := slices.Clone(t.order)
	if !slices.Contains(order, server) {
		order = append(order, server)
	}
	rows := make(map[string]*serverRows, len(order))
	for name, existing := range t.rows {
		rows[name] = existing
	}
	rows[server] = r
	return newTable(order, rows)
}

// Entries returns every entry of kind, ordered by server then by the order
// the server listed them.
func (t *Table) Entries(kind Kind) []Entry {
	return slices.Clone(t.lists[kind])
}

func (t *Table) Tools() []Entry             { return t.Entries(KindTool) }
func (t *Table) Resources() []Entry         { return t.Entries(KindResource) }
func (t *Table) ResourceTemplates() []Entry { return t.Entries(KindResourceTemplate) }
func (t *Table) Prompts() []Entry           { return t.Entries(KindPrompt) }

// Items returns the rewritten JSON objects of kind, ready to be placed in a
// list result.
func (t *Table) Items(kind Kind) []json.RawMessage {
	list := t.lists[kind]
	out := make([]json.RawMessage, len(list))
	for i, e := range list {
		out[i] = e.Item
	}
	return out
}

// Lookup finds the entry clients address as qualified.
func (t *Table) Lookup(kind Kind, qualified string) (Entry, bool) {
	e, ok := t.index[kind][qualified]
	return e, ok
}

// Len returns the number of entries of kind.
func (t *Table) Len(kind Kind) int { return len(t.lists[kind]) }

// Has reports whether server contributed to the table, even with no entries.
func (t *Table) Has(server string) bool {
	_, ok := t.rows[server]
	return ok
}

// Servers lists the servers in table order.
func (t *Table) Servers() []string { return slices.Clone(t.order) }

// Degraded lists the servers with at least one failed list method.
func (t *Table) Degraded() []string {
	var out []string
	for _, name := range t.order {
		if t.rows[name].degraded() {
			out = append(out, name)
		}
	}
	return out
}

// Summary describes what server contributes.
func (t *Table) Summary(server string) (ServerSummary, bool) {
	r, ok := t.rows[server]
	if !ok {
		return ServerSummary{Name: server}, false
	}
	return ServerSummary{
		Name:              server,
		Tools:             len(r.entries[KindTool]),
		Resources:         len(r.entries[KindResource]),
		ResourceTemplates: len(r.entries[KindResourceTemplate]),
		Prompts:           len(r.entries[KindPrompt]),
		Degraded:          r.degraded(),
		FailedMethods:     slices.Clone(r.failed),
	}, true
}

// ServerEntries returns what server contributes of kind, whether or not the
// entries won a cross-server clash.
func (t *Table) ServerEntries(server string, kind Kind) []Entry {
	r, ok := t.rows[server]
	if !ok {
		return nil
	}
	return slices.Clone(r.entries[kind])
}
