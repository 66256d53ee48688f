package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/appsecsanta/mcptunnel/pkg/supervisor"
)

const maxParallelLists = 8

// Upstream is a ready child the aggregator can list. *supervisor.Server
// satisfies it.
type Upstream interface {
	Name() string
	State() supervisor.State
	Capabilities() supervisor.Capabilities
	Call(ctx context.Context, method string, params json.RawMessage) (*supervisor.Result, error)
}

// Options configure an Aggregator.
type Options struct {
	// ListTimeout bounds every list call. Defaults to 10s.
	ListTimeout time.Duration
	// MaxPages caps pagination per list method. Defaults to 100.
	MaxPages int
	// RefreshDelay is how long ScheduleRefresh waits for further
	// notifications before re-listing. Defaults to 200ms.
	RefreshDelay time.Duration
	Logger       *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 10 * time.Second
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Aggregator builds and publishes capability tables. Readers call Snapshot
// and keep the returned Table for the duration of a request; writers swap in
// whole new tables.
type Aggregator struct {
	ns     NamespaceStrategy
	opts   Options
	logger *slog.Logger

	table   atomic.Pointer[Table]
	writeMu sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// New returns an Aggregator holding an empty table.
func New(ns NamespaceStrategy, opts *Options) *Aggregator {
	if ns == nil {
		ns = ServerPrefixNamespace{}
	}
	o := opts.withDefaults()
	a := &Aggregator{
		ns:     ns,
		opts:   o,
		logger: o.Logger,
		timers: make(map[string]*time.Timer),
	}
	a.table.Store(emptyTable())
	return a
}

// Namespace returns the naming strategy tables are built with.
func (a *Aggregator) Namespace() NamespaceStrategy { return a.ns }

// Snapshot returns the current table.
func (a *Aggregator) Snapshot() *Table { return a.table.Load() }

// Rebuild lists every ready server concurrently and publishes the resulting
// table. Servers that fail a list method are kept, degraded, and contribute
// nothing for that method.
func (a *Aggregator) Rebuild(ctx context.Context, servers []Upstream) *Report {
	collected := make([]*serverRows, len(servers))
	reports := make([]*Report, len(servers))
	seen := make(map[string]bool, len(servers))

	var g errgroup.Group
	g.SetLimit(maxParallelLists)
	for i, u := range servers {
		if u == nil || u.State() != supervisor.StateReady || seen[u.Name()] {
			continue
		}
		seen[u.Name()] = true
		g.Go(func() error {
			collected[i], reports[i] = a.collect(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	// A server that left ready while being listed was already dropped from
	// the current table, so its rows must not be published again. Checking
	// under writeMu orders this against Drop.
	a.writeMu.Lock()
	report := &Report{}
	order := make([]string, 0, len(servers))
	rows := make(map[string]*serverRows, len(servers))
	for i, u := range servers {
		if collected[i] == nil {
			continue
		}
		if st := u.State(); st != supervisor.StateReady {
			a.logger.Debug("skipping server that left ready during rebuild", "server", u.Name(), "state", st)
			continue
		}
		order = append(order, u.Name())
		rows[u.Name()] = collected[i]
		report.merge(reports[i])
	}
	t := newTable(order, rows)
	report.Duplicates = append(report.Duplicates, t.clashes...)
	a.table.Store(t)
	a.writeMu.Unlock()

	a.logReport(report)
	a.logger.Debug("capability table rebuilt",
		"servers", len(order),
		"tools", t.Len(KindTool),
		"resources", t.Len(KindResource),
		"resource_templates", t.Len(KindResourceTemplate),
		"prompts", t.Len(KindPrompt),
	)
	return report
}

// Refresh re-lists one server and publishes a table in which only that
// server's rows changed. A server that is no longer ready is dropped instead.
func (a *Aggregator) Refresh(ctx context.Context, u Upstream) *Report {
	if u.State() != supervisor.StateReady {
		a.Drop(u.Name())
		return &Report{}
	}
	rows, report := a.collect(ctx, u)

	a.writeMu.Lock()
	if u.State() != supervisor.StateReady {
		a.writeMu.Unlock()
		a.Drop(u.Name())
		return report
	}
	t := a.table.Load().with(u.Name(), rows)
	for _, clash := range t.clashes {
		if clash.Server == u.Name() || clash.Winner == u.Name() {
			report.Duplicates = append(report.Duplicates, clash)
		}
	}
	a.table.Store(t)
	a.writeMu.Unlock()

	a.logReport(report)
	a.logger.Debug("server capabilities refreshed", "server", u.Name())
	return report
}

// ScheduleRefresh refreshes u after RefreshDelay. Further calls for the same
// server before the delay elapses coalesce into one refresh.
func (a *Aggregator) ScheduleRefresh(ctx context.Context, u Upstream) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if t, ok := a.timers[u.Name()]; ok {
		t.Reset(a.opts.RefreshDelay)
		return
	}
	a.timers[u.Name()] = time.AfterFunc(a.opts.RefreshDelay, func() {
		a.timersMu.Lock()
		delete(a.timers, u.Name())
		a.timersMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		a.Refresh(ctx, u)
	})
}

// Drop publishes a table without server. It reports whether server was
// present.
func (a *Aggregator) Drop(server string) bool {
	a.writeMu.Lock()
	cur := a.table.Load()
	if !cur.Has(server) {
		a.writeMu.Unlock()
		return false
	}
	a.table.Store(cur.without(server))
	a.writeMu.Unlock()
	a.logger.Info("removed server from capability table", "server", server)
	return true
}

// Close cancels pending scheduled refreshes.
func (a *Aggregator) Close() {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	for name, t := range a.timers {
		t.Stop()
		delete(a.timers, name)
	}
}

func advertisedKinds(c supervisor.Capabilities) []Kind {
	var out []Kind
	if c.Tools {
		out = append(out, KindTool)
	}
	if c.Resources {
		out = append(out, KindResource, KindResourceTemplate)
	}
	if c.Prompts {
		out = append(out, KindPrompt)
	}
	return out
}

func (a *Aggregator) collect(ctx context.Context, u Upstream) (*serverRows, *Report) {
	name := u.Name()
	rows := &serverRows{entries: make(map[Kind][]Entry)}
	report := &Report{}
	for _, kind := range advertisedKinds(u.Capabilities()) {
		items, err := a.list(ctx, u, kind)
		if err != nil {
			report.Failures = append(report.Failures, &AggregationPartialFailure{Server: name, Method: kind.ListMethod(), Err: err})
			rows.failed = append(rows.failed, kind.ListMethod())
			continue
		}
		seen := make(map[string]bool, len(items))
		entries := make([]Entry, 0, len(items))
		for _, raw := range items {
			e, err := a.rewrite(name, kind, raw)
			if err != nil {
				a.logger.Warn("skipping malformed item", "server", name, "kind", kind, "error", err)
				continue
			}
			if seen[e.Native] {
				report.Duplicates = append(report.Duplicates, &DuplicateToolError{Server: name, Name: e.Native, Kind: kind})
				continue
			}
			seen[e.Native] = true
			entries = append(entries, e)
		}
		rows.entries[kind] = entries
	}
	return rows, report
}

func (a *Aggregator) list(ctx context.Context, u Upstream, kind Kind) ([]json.RawMessage, error) {
	spec := listSpecs[kind]
	var items []json.RawMessage
	cursor := ""
	seen := make(map[string]bool)
	for page := 0; page < a.opts.MaxPages; page++ {
		params := json.RawMessage(`{}`)
		if cursor != "" {
			encoded, err := json.Marshal(map[string]string{"cursor": cursor})
			if err != nil {
				return nil, err
			}
			params = encoded
		}
		cctx, cancel := context.WithTimeout(ctx, a.opts.ListTimeout)
		res, err := u.Call(cctx, spec.method, params)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("timed out after %s: %w", a.opts.ListTimeout, err)
			}
			return nil, err
		}
		if res.Error != nil {
			return nil, res.Error
		}
		var result map[string]json.RawMessage
		if err := json.Unmarshal(res.Result, &result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", spec.method, err)
		}
		if raw, ok := result[spec.key]; ok && string(raw) != "null" {
			var batch []json.RawMessage
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("decode %s.%s: %w", spec.method, spec.key, err)
			}
			items = append(items, batch...)
		}
		next := ""
		if raw, ok := result["nextCursor"]; ok {
			_ = json.Unmarshal(raw, &next)
		}
		if next == "" || seen[next] {
			return items, nil
		}
		seen[next] = true
		cursor = next
	}
	return nil, fmt.Errorf("%s returned more than %d pages", spec.method, a.opts.MaxPages)
}

// rewrite qualifies the identifier of one listed item and records its origin
// under _meta. Every other member passes through unchanged.
func (a *Aggregator) rewrite(server string, kind Kind, raw json.RawMessage) (Entry, error) {
	field := listSpecs[kind].field
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Entry{}, err
	}
	var native string
	if err := json.Unmarshal(obj[field], &native); err != nil || native == "" {
		return Entry{}, fmt.Errorf("item has no %s", field)
	}
	qualified := a.ns.Qualify(server, native)

	meta := make(map[string]json.RawMessage)
	if existing, ok := obj["_meta"]; ok && string(existing) != "null" {
		if err := json.Unmarshal(existing, &meta); err != nil {
			meta = make(map[string]json.RawMessage)
		}
	}
	var err error
	if meta[metaKeyServer], err = json.Marshal(server); err != nil {
		return Entry{}, err
	}
	if meta[metaKeyOriginal], err = json.Marshal(native); err != nil {
		return Entry{}, err
	}
	if obj["_meta"], err = json.Marshal(meta); err != nil {
		return Entry{}, err
	}
	if obj[field], err = json.Marshal(qualified); err != nil {
		return Entry{}, err
	}
	item, err := json.Marshal(obj)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Kind: kind, Name: qualified, Server: server, Native: native, Item: item}, nil
}

func (a *Aggregator) logReport(r *Report) {
	for _, f := range r.Failures {
		a.logger.Warn("list failed, server degraded", "server", f.Server, "method", f.Method, "error", f.Err)
	}
	for _, d := range r.Duplicates {
		a.logger.Warn("dropping duplicate name", "server", d.Server, "kind", d.Kind, "name", d.Name, "kept", d.Winner)
	}
}
