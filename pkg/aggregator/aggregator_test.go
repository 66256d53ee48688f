package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/appsecsanta/mcptunnel/internal/mcptest"
	"github.com/appsecsanta/mcptunnel/pkg/registry"
	"github.com/appsecsanta/mcptunnel/pkg/supervisor"
)

func TestMain(m *testing.M) {
	mcptest.MaybeServe()
	os.Exit(m.Run())
}

type fakeUpstream struct {
	name  string
	state supervisor.State
	caps  supervisor.Capabilities

	mu sync.Mutex
	// pages holds the raw result of each page per method.
	pages map[string][]string
	fail  map[string]*supervisor.RPCError
	hang  map[string]bool
	calls map[string]int
	// onCall runs before a method is answered.
	onCall func(method string)
}

func newFake(name string) *fakeUpstream {
	return &fakeUpstream{
		name:  name,
		state: supervisor.StateReady,
		caps:  supervisor.Capabilities{Tools: true, Resources: true, Prompts: true},
		pages: make(map[string][]string),
		fail:  make(map[string]*supervisor.RPCError),
		hang:  make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (f *fakeUpstream) Name() string                          { return f.name }
func (f *fakeUpstream) Capabilities() supervisor.Capabilities { return f.caps }

func (f *fakeUpstream) State() supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeUpstream) setState(s supervisor.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeUpstream) setPages(method string, pages ...string) {
	f.mu.Lock()
	f.pages[method] = pages
	f.mu.Unlock()
}

func (f *fakeUpstream) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeUpstream) Call(ctx context.Context, method string, params json.RawMessage) (*supervisor.Result, error) {
	f.mu.Lock()
	f.calls[method]++
	hang := f.hang[method]
	rpcErr := f.fail[method]
	pages := f.pages[method]
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(method)
	}

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if rpcErr != nil {
		return &supervisor.Result{Error: rpcErr}, nil
	}
	var p struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(params, &p)
	idx := 0
	if p.Cursor != "" {
		idx, _ = strconv.Atoi(p.Cursor)
	}
	if idx >= len(pages) {
		return &supervisor.Result{Result: json.RawMessage(`{}`)}, nil
	}
	return &supervisor.Result{Result: json.RawMessage(pages[idx])}, nil
}

func toolsPage(next string, names ...string) string {
	items := make([]map[string]any, 0, len(names))
	for _, n := range names {
		items = append(items, map[string]any{"name": n, "description": "does " + n, "inputSchema": map[string]any{"type": "object"}})
	}
	out := map[string]any{"tools": items}
	if next != "" {
		out["nextCursor"] = next
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAggregator(opts *Options) *Aggregator {
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = quietLogger()
	return New(ServerPrefixNamespace{}, opts)
}

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestServerPrefixNamespaceSplit(t *testing.T) {
	ns := ServerPrefixNamespace{}
	got := ns.Split("a__b__c")
	expected := []Candidate{{Server: "a", Native: "b__c"}, {Server: "a__b", Native: "c"}}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("Split = %+v, expected %+v", got, expected)
	}
	if got := ns.Split("__leading"); len(got) != 0 {
		t.Fatalf("a leading separator has no server, got %+v", got)
	}
	if got := ns.Split("plain"); len(got) != 0 {
		t.Fatalf("Split(plain) = %+v", got)
	}
	if ns.Qualify("github", "search") != "github__search" {
		t.Fatalf("unexpected qualified name %s", ns.Qualify("github", "search"))
	}
	for _, c := range ns.Split(ns.Qualify("my_server", "_x")) {
		if c.Server == "my_server" && c.Native == "_x" {
			return
		}
	}
	t.Fatalf("qualified name must split back into its parts")
}

func TestRebuildNamespacesEveryKind(t *testing.T) {
	alpha := newFake("alpha")
	alpha.setPages("tools/list", toolsPage("", "search", "read"))
	alpha.setPages("resources/list", `{"resources":[{"uri":"file:///notes.txt","name":"notes","_meta":{"custom":1}}]}`)
	alpha.setPages("resources/templates/list", `{"resourceTemplates":[{"uriTemplate":"file:///{path}","name":"files"}]}`)
	alpha.setPages("prompts/list", `{"prompts":[{"name":"summarize"}]}`)
	beta := newFake("beta")
	beta.setPages("tools/list", toolsPage("", "search"))

	agg := newTestAggregator(nil)
	report := agg.Rebuild(context.Background(), []Upstream{alpha, beta})
	if err := report.Err(); err != nil {
		t.Fatalf("unexpected report errors: %v", err)
	}

	table := agg.Snapshot()
	if got := names(table.Tools()); !reflect.DeepEqual(got, []string{"alpha__search", "alpha__read", "beta__search"}) {
		t.Fatalf("tools = %v", got)
	}
	if got := names(table.Resources()); !reflect.DeepEqual(got, []string{"alpha__file:///notes.txt"}) {
		t.Fatalf("resources = %v", got)
	}
	if got := names(table.ResourceTemplates()); !reflect.DeepEqual(got, []string{"alpha__file:///{path}"}) {
		t.Fatalf("templates = %v", got)
	}
	if got := names(table.Prompts()); !reflect.DeepEqual(got, []string{"alpha__summarize"}) {
		t.Fatalf("prompts = %v", got)
	}

	entry, ok := table.Lookup(KindTool, "beta__search")
	if !ok || entry.Server != "beta" || entry.Native != "search" {
		t.Fatalf("Lookup(beta__search) = %+v, %v", entry, ok)
	}

	var item map[string]any
	if err := json.Unmarshal(table.Resources()[0].Item, &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if item["uri"] != "alpha__file:///notes.txt" || item["name"] != "notes" {
		t.Fatalf("rewritten item = %v", item)
	}
	meta, _ := item["_meta"].(map[string]any)
	if meta[metaKeyServer] != "alpha" || meta[metaKeyOriginal] != "file:///notes.txt" || meta["custom"] != float64(1) {
		t.Fatalf("meta = %v", meta)
	}

	summary, ok := table.Summary("alpha")
	if !ok || summary.Tools != 2 || summary.Resources != 1 || summary.ResourceTemplates != 1 || summary.Prompts != 1 || summary.Degraded {
		t.Fatalf("Summary(alpha) = %+v", summary)
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	alpha := newFake("alpha")
	alpha.setPages("tools/list", toolsPage("", "search", "read"))
	beta := newFake("beta")
	beta.setPages("tools/list", toolsPage("", "search"))
	beta.setPages("prompts/list", `{"prompts":[{"name":"p","arguments":[{"name":"x"}]}]}`)

	agg := newTestAggregator(nil)
	agg.Rebuild(context.Background(), []Upstream{alpha, beta})
	first := agg.Snapshot()
	agg.Rebuild(context.Background(), []Upstream{alpha, beta})
	second := agg.Snapshot()

	if first == second {
		t.Fatalf("rebuild should publish a new table")
	}
	for _, kind := range Kinds {
		if !reflect.DeepEqual(first.Entries(kind), second.Entries(kind)) {
			t.Fatalf("%s entries differ between rebuilds", kind)
		}
	}
}

func TestRebuildMarksFailuresDegraded(t *testing.T) {
	alpha := newFake("alpha")
	alpha.setPages("tools/list", toolsPage("", "search"))
	beta := newFake("beta")
	beta.setPages("tools/list", toolsPage("", "run"))
	beta.fail["prompts/list"] = &supervisor.RPCError{Code: supervisor.CodeInternalError, Message: "boom"}
	gamma := newFake("gamma")
	gamma.hang["tools/list"] = true

	agg := newTestAggregator(&Options{ListTimeout: 50 * time.Millisecond})
	report := agg.Rebuild(context.Background(), []Upstream{alpha, beta, gamma})

	if len(report.Failures) != 2 {
		t.Fatalf("expected two failures, got %v", report.Err())
	}
	byServer := map[string]*AggregationPartialFailure{}
	for _, f := range report.Failures {
		byServer[f.Server] = f
	}
	if f := byServer["beta"]; f == nil || f.Method != "prompts/list" {
		t.Fatalf("beta failure = %+v", f)
	}
	var rpcErr *supervisor.RPCError
	if !errors.As(byServer["beta"], &rpcErr) || rpcErr.Message != "boom" {
		t.Fatalf("beta failure should wrap the child's error")
	}
	if f := byServer["gamma"]; f == nil || !errors.Is(f, context.DeadlineExceeded) {
		t.Fatalf("gamma failure = %+v", f)
	}

	table := agg.Snapshot()
	if got := table.Degraded(); !reflect.DeepEqual(got, []string{"beta", "gamma"}) {
		t.Fatalf("Degraded() = %v", got)
	}
	if got := names(table.Tools()); !reflect.DeepEqual(got, []string{"alpha__search", "beta__run"}) {
		t.Fatalf("healthy entries must survive, got %v", got)
	}
	if !table.Has("gamma") {
		t.Fatalf("a degraded server stays in the table")
	}
}

func TestRebuildSkipsServersThatAreNotReady(t *testing.T) {
	alpha := newFake("alpha")
	alpha.setPages("tools/list", toolsPage("", "search"))
	alpha.caps = supervisor.Capabilities{Tools: true}
	beta := newFake("beta")
	beta.setState(supervisor.StateFailed)

	agg := newTestAggregator(nil)
	agg.Rebuild(context.Background(), []Upstream{alpha, beta})

	if agg.Snapshot().Has("beta") {
		t.Fatalf("failed server should not be listed")
	}
	if beta.callCount("tools/list") != 0 {
		t.Fatalf("failed server should not be called")
	}
	if alpha.callCount("prompts/list") != 0 || alpha.callCount("resources/list") != 0 {
		t.Fatalf("only advertised kinds are listed")
	}
}

func TestRebuildDropsDuplicates(t *testing.T) {
	alpha := newFake("alpha")
	alpha.setPages("tools/list", toolsPage("", "x", "y", "x"))
	// "a" exposes "b__c" and "a__b" exposes "c": both qualify to a__b__c.
	a := newFake("a")
	a.setPages("tools/list", toolsPage("", "b__c"))
	ab := newFake("a__b")
	ab.setPages("tools/list", toolsPage("", "c", "d"))

	agg := newTestAggregator(nil)
	report := agg.Rebuild(context.Background(), []Upstream{ab, alpha, a})

	if len(report.Duplicates) != 2 {
		t.Fatalf("expected two duplicates, got %v", report.Err())
	}
	table := agg.Snapshot()
	if got := names(table.ServerEntries("alpha", KindTool)); !reflect.DeepEqual(got, []string{"alpha__x", "alpha__y"}) {
		t.Fatalf("first declaration wins, got %v", got)
	}
	entry, ok := table.Lookup(KindTool, "a__b__c")
	if !ok || entry.Server != "a" || entry.Native != "b__c" {
		t.Fatalf("leftmost server should win the clash, got %+v", entry)
	}
	if got := names(table.Tools()); !reflect.DeepEqual(got, []string{"a__b__d", "alpha__x", "alpha__y", "a__b__c"}) {
		t.Fatalf("tools = %v", got)
	}
}

func TestRebuildFollowsPagination(t *testing.T) {
	alpha := newFake("alpha")
	alpha.caps = supervisor.Capabilities{Tools: true}
	alpha.setPages("tools/list",
		toolsPage("1", "one", "two"),
		toolsPage("2", "three"),
		toolsPage("", "four"),
	)

	agg := newTestAggregator(nil)
	agg.Rebuild(context.Background(), []Upstream{alpha})

	if got := agg.Snapshot().Len(KindTool); got != 4 {
		t.Fatalf("expected 4 tools across pages, got %d", got)
	}
	if alpha.callCount("tools/list") != 3 {
		t.Fatalf("expected three page requests, got %d", alpha.callCount("tools/list"))
	}
}

func TestDropAndRefreshSwapTables(t *testing.T) {
	alpha := newFake("alpha")
	alpha.setPages("tools/list", toolsPage("", "search"))
	beta := newFake("beta")
	beta.setPages("tools/list", toolsPage("", "run"))

	agg := newTestAggregator(nil)
	agg.Rebuild(context.Background(), []Upstream{alpha, beta})
	before := agg.Snapshot()

	if !agg.Drop("beta") {
		t.Fatalf("Drop(beta) should report removal")
	}
	if agg.Drop("beta") {
		t.Fatalf("second Drop(beta) should be a no-op")
	}
	if got := names(before.Tools()); !reflect.DeepEqual(got, []string{"alpha__search", "beta__run"}) {
		t.Fatalf("held snapshot must not change, got %v", got)
	}
	if got := names(agg.Snapshot().Tools()); !reflect.DeepEqual(got, []string{"alpha__search"}) {
		t.Fatalf("after drop = %v", got)
	}

	alpha.setPages("tools/list", toolsPage("", "search", "extra"))
	agg.Refresh(context.Background(), alpha)
	if got := names(agg.Snapshot().Tools()); !reflect.DeepEqual(got, []string{"alpha__search", "alpha__extra"}) {
		t.Fatalf("after refresh = %v", got)
	}

	alpha.setState(supervisor.StateCrashed)
	agg.Refresh(context.Background(), alpha)
	if agg.Snapshot().Has("alpha") {
		t.Fatalf("refreshing a crashed server drops it")
	}
}

func TestScheduleRefreshCoalesces(t *testing.T) {
	alpha := newFake("alpha")
	alpha.caps = supervisor.Capabilities{Tools: true}
	alpha.setPages("tools/list", toolsPage("", "search"))

	agg := newTestAggregator(&Options{RefreshDelay: 50 * time.Millisecond})
	defer agg.Close()
	agg.Rebuild(context.Background(), []Upstream{alpha})

	alpha.setPages("tools/list", toolsPage("", "search", "late"))
	for i := 0; i < 5; i++ {
		agg.ScheduleRefresh(context.Background(), alpha)
	}
	deadline := time.Now().Add(2 * time.Second)
	for agg.Snapshot().Len(KindTool) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled refresh never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := alpha.callCount("tools/list"); got != 2 {
		t.Fatalf("expected one rebuild plus one refresh, got %d list calls", got)
	}
}

func TestRebuildWithSupervisedServers(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	sv := supervisor.New(&supervisor.Options{Logger: quietLogger(), StopGrace: 2 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sv.StopAll(ctx)
	})

	var defs []registry.Definition
	for _, name := range []string{"one", "two", "three"} {
		defs = append(defs, mcptest.Definition(name, mcptest.Options{
			Tools:        []string{"echo", "search"},
			Capabilities: []string{"tools"},
			PageSize:     1,
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ready, err := sv.StartAll(ctx, defs)
	if err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	upstreams := make([]Upstream, 0, len(ready))
	for _, s := range ready {
		upstreams = append(upstreams, s)
	}

	agg := newTestAggregator(nil)
	if err := agg.Rebuild(ctx, upstreams).Err(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	var expected []string
	for _, server := range []string{"one", "two", "three"} {
		for _, tool := range []string{"echo", "search"} {
			expected = append(expected, fmt.Sprintf("%s__%s", server, tool))
		}
	}
	if got := names(agg.Snapshot().Tools()); !reflect.DeepEqual(got, expected) {
		t.Fatalf("tools = %v, expected %v", got, expected)
	}
}

func TestRebuildOmitsServerThatCrashedWhileListing(t *testing.T) {
	agg := newTestAggregator(nil)
	alpha := newFake("alpha")
	alpha.setPages("tools/list", toolsPage("", "search"))
	beta := newFake("beta")
	beta.setPages("tools/list", toolsPage("", "query"))
	beta.onCall = func(method string) {
		if method == "resources/list" {
			// The supervisor marks the child crashed, then drops it.
			beta.setState(supervisor.StateCrashed)
			agg.Drop("beta")
		}
	}

	agg.Rebuild(context.Background(), []Upstream{alpha, beta})

	table := agg.Snapshot()
	if table.Has("beta") {
		t.Fatalf("crashed server must not be published, tools = %v", names(table.Tools()))
	}
	if got := names(table.Tools()); !reflect.DeepEqual(got, []string{"alpha__search"}) {
		t.Fatalf("tools = %v, expected only alpha__search", got)
	}
	if !table.Has("alpha") {
		t.Fatal("healthy server missing after rebuild")
	}
}
