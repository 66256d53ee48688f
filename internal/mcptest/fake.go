// Package mcptest provides a fake stdio MCP server for tests.
//
// The fake runs inside the test binary itself: a package's TestMain calls
// MaybeServe, and Definition returns a registry.Definition that re-executes
// the test binary with the fake's configuration in its environment.
//
// Tools behave according to their name:
//
//	crash     exit the process with status 2
//	hang      never answer (until notifications/cancelled arrives)
//	sleep     answer after arguments.ms milliseconds
//	progress  send three notifications/progress for _meta.progressToken
//	env       return the value of the variable named arguments.name
//	stats     return {"calls": n, "cancelled": n}
//	ask       send sampling/createMessage to the client and report its error code
//	notify    send notifications/tools/list_changed
//
// Any other tool echoes its arguments.
package mcptest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/appsecsanta/mcptunnel/pkg/registry"
)

// EnvKey carries the JSON-encoded Options to the re-executed binary.
const EnvKey = "MCPTUNNEL_FAKE_SERVER"

// Options shape the fake server.
type Options struct {
	// Name is reported as serverInfo.name and prefixed to echo output.
	Name      string   `json:"name"`
	Tools     []string `json:"tools"`
	Prompts   []string `json:"prompts"`
	Resources []string `json:"resources"`
	Templates []string `json:"templates"`
	// Capabilities lists the advertised capability keys. Defaults to
	// tools, prompts, resources and completions.
	Capabilities []string `json:"capabilities"`
	// PageSize splits list results into pages of this size.
	PageSize int `json:"pageSize"`
	// HandshakeDelay postpones the initialize answer.
	HandshakeDelay time.Duration `json:"handshakeDelay"`
	// ExitBeforeHandshake exits with status 3 when initialize arrives.
	ExitBeforeHandshake bool `json:"exitBeforeHandshake"`
	// FailMethods answer with a -32603 error for these list methods.
	FailMethods []string `json:"failMethods"`
	// HangMethods never answer these list methods.
	HangMethods []string `json:"hangMethods"`
	// Stderr is written to standard error on startup.
	Stderr string `json:"stderr"`
}

// Definition returns a definition that runs the fake server named name.
func Definition(name string, opts Options) registry.Definition {
	if opts.Name == "" {
		opts.Name = name
	}
	encoded, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return registry.Definition{
		Name:      name,
		Namespace: name,
		Source:    registry.SourceMCPTunnel,
		Command:   exe,
		Args:      []string{"-test.run=^$"},
		Env:       map[string]string{EnvKey: string(encoded)},
	}
}

// MaybeServe runs the fake server and exits when the current process was
// started through Definition. Call it first thing in TestMain.
func MaybeServe() {
	raw := os.Getenv(EnvKey)
	if raw == "" {
		return
	}
	var opts Options
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		fmt.Fprintln(os.Stderr, "mcptest: bad options:", err)
		os.Exit(1)
	}
	f := &fake{opts: opts, out: bufio.NewWriter(os.Stdout), cancels: make(map[string]chan struct{}), replies: make(map[string]chan message)}
	f.serve()
	os.Exit(0)
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type fake struct {
	opts Options

	outMu sync.Mutex
	out   *bufio.Writer

	calls     atomic.Int64
	cancelled atomic.Int64
	asks      atomic.Int64

	mu      sync.Mutex
	cancels map[string]chan struct{}
	replies map[string]chan message
}

func (f *fake) serve() {
	if f.opts.Stderr != "" {
		fmt.Fprintln(os.Stderr, f.opts.Stderr)
	}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch {
		case msg.Method == "" && len(msg.ID) > 0:
			f.mu.Lock()
			ch := f.replies[string(msg.ID)]
			delete(f.replies, string(msg.ID))
			f.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		case len(msg.ID) == 0:
			f.notification(msg)
		case msg.Method == "initialize":
			f.initialize(msg)
		default:
			go f.request(msg)
		}
	}
}

func (f *fake) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	f.outMu.Lock()
	defer f.outMu.Unlock()
	f.out.Write(data)
	f.out.WriteByte('\n')
	f.out.Flush()
}

func (f *fake) reply(id json.RawMessage, result any) {
	f.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (f *fake) fail(id json.RawMessage, code int, msg string) {
	f.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": msg}})
}

func (f *fake) notification(msg message) {
	if msg.Method != "notifications/cancelled" {
		return
	}
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	if json.Unmarshal(msg.Params, &params) != nil {
		return
	}
	f.cancelled.Add(1)
	f.mu.Lock()
	ch := f.cancels[string(params.RequestID)]
	delete(f.cancels, string(params.RequestID))
	f.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (f *fake) initialize(msg message) {
	if f.opts.ExitBeforeHandshake {
		os.Exit(3)
	}
	if f.opts.HandshakeDelay > 0 {
		time.Sleep(f.opts.HandshakeDelay)
	}
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = "2025-03-26"
	}
	caps := f.opts.Capabilities
	if caps == nil {
		caps = []string{"tools", "prompts", "resources", "completions"}
	}
	advertised := make(map[string]any, len(caps))
	for _, c := range caps {
		advertised[c] = map[string]any{}
	}
	f.reply(msg.ID, map[string]any{
		"protocolVersion": params.ProtocolVersion,
		"capabilities":    advertised,
		"serverInfo":      map[string]any{"name": f.opts.Name, "version": "0.0.1"},
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (f *fake) request(msg message) {
	if contains(f.opts.HangMethods, msg.Method) {
		return
	}
	if contains(f.opts.FailMethods, msg.Method) {
		f.fail(msg.ID, -32603, "fake failure for "+msg.Method)
		return
	}
	switch msg.Method {
	case "ping":
		f.reply(msg.ID, map[string]any{})
	case "tools/list":
		items := make([]any, 0, len(f.opts.Tools))
		for _, name := range f.opts.Tools {
			items = append(items, map[string]any{
				"name":        name,
				"description": "fake " + name,
				"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
			})
		}
		f.page(msg, "tools", items)
	case "prompts/list":
		items := make([]any, 0, len(f.opts.Prompts))
		for _, name := range f.opts.Prompts {
			items = append(items, map[string]any{"name": name, "description": "fake prompt " + name})
		}
		f.page(msg, "prompts", items)
	case "resources/list":
		items := make([]any, 0, len(f.opts.Resources))
		for _, uri := range f.opts.Resources {
			items = append(items, map[string]any{"uri": uri, "name": uri, "mimeType": "text/plain"})
		}
		f.page(msg, "resources", items)
	case "resources/templates/list":
		items := make([]any, 0, len(f.opts.Templates))
		for _, uri := range f.opts.Templates {
			items = append(items, map[string]any{"uriTemplate": uri, "name": uri})
		}
		f.page(msg, "resourceTemplates", items)
	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if !contains(f.opts.Resources, params.URI) {
			f.fail(msg.ID, -32002, "resource not found: "+params.URI)
			return
		}
		f.reply(msg.ID, map[string]any{"contents": []any{map[string]any{"uri": params.URI, "text": f.opts.Name + " contents of " + params.URI}}})
	case "prompts/get":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		f.reply(msg.ID, map[string]any{"messages": []any{map[string]any{
			"role":    "user",
			"content": map[string]any{"type": "text", "text": f.opts.Name + " prompt " + params.Name},
		}}})
	case "completion/complete":
		f.reply(msg.ID, map[string]any{"completion": map[string]any{"values": []string{f.opts.Name}}})
	case "tools/call":
		f.callTool(msg)
	default:
		f.fail(msg.ID, -32601, "method not found: "+msg.Method)
	}
}

func (f *fake) page(msg message, key string, items []any) {
	var params struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	start := 0
	if params.Cursor != "" {
		start, _ = strconv.Atoi(params.Cursor)
	}
	end := len(items)
	if f.opts.PageSize > 0 && start+f.opts.PageSize < end {
		end = start + f.opts.PageSize
	}
	if start > end {
		start = end
	}
	result := map[string]any{key: items[start:end]}
	if end < len(items) {
		result["nextCursor"] = strconv.Itoa(end)
	}
	f.reply(msg.ID, result)
}

func textResult(text string, structured any) map[string]any {
	out := map[string]any{"content": []any{map[string]any{"type": "text", "text": text}}}
	if structured != nil {
		out["structuredContent"] = structured
	}
	return out
}

func (f *fake) callTool(msg message) {
	f.calls.Add(1)
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Meta      struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	var args map[string]any
	_ = json.Unmarshal(params.Arguments, &args)

	switch params.Name {
	case "crash":
		os.Exit(2)
	case "hang":
		ch := make(chan struct{})
		f.mu.Lock()
		f.cancels[string(msg.ID)] = ch
		f.mu.Unlock()
		<-ch
	case "sleep":
		ms, _ := args["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		f.reply(msg.ID, textResult(fmt.Sprintf("%s slept %dms", f.opts.Name, int(ms)), nil))
	case "progress":
		if len(params.Meta.ProgressToken) > 0 {
			for i := 1; i <= 3; i++ {
				f.send(map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{
					"progressToken": params.Meta.ProgressToken,
					"progress":      i,
					"total":         3,
				}})
			}
		}
		f.reply(msg.ID, textResult(f.opts.Name+" progress done", nil))
	case "env":
		name, _ := args["name"].(string)
		value, ok := os.LookupEnv(name)
		f.reply(msg.ID, textResult(value, map[string]any{"set": ok, "value": value}))
	case "stats":
		f.reply(msg.ID, textResult("stats", map[string]any{"calls": f.calls.Load(), "cancelled": f.cancelled.Load()}))
	case "ask":
		f.ask(msg)
	case "notify":
		f.send(map[string]any{"jsonrpc": "2.0", "method": "notifications/tools/list_changed"})
		f.reply(msg.ID, textResult("notified", nil))
	default:
		f.reply(msg.ID, textResult(fmt.Sprintf("%s:%s:%s", f.opts.Name, params.Name, string(params.Arguments)), map[string]any{
			"server": f.opts.Name,
			"tool":   params.Name,
			"args":   args,
		}))
	}
}

func (f *fake) ask(msg message) {
	id := fmt.Sprintf(`"ask-%d"`, f.asks.Add(1))
	ch := make(chan message, 1)
	f.mu.Lock()
	f.replies[id] = ch
	f.mu.Unlock()
	f.send(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(id), "method": "sampling/createMessage", "params": map[string]any{}})
	select {
	case reply := <-ch:
		var wire struct {
			Code int `json:"code"`
		}
		_ = json.Unmarshal(reply.Error, &wire)
		f.reply(msg.ID, textResult(fmt.Sprintf("code=%d", wire.Code), nil))
	case <-time.After(5 * time.Second):
		f.fail(msg.ID, -32603, "no reply to sampling request")
	}
}
