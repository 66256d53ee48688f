package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/appsecsanta/mcptunnel/pkg/aggregator"
	"github.com/appsecsanta/mcptunnel/pkg/supervisor"
)

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (rt *Router) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rt.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rt.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(nil, CodeInvalidRequest, "request body too large", nil))
			return
		}
		rt.writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "failed to read request body", nil))
		return
	}

	frames, batch, err := decodeBody(body)
	if err != nil {
		rt.writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "parse error: invalid JSON", nil))
		return
	}
	if len(frames) == 0 {
		rt.writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, "empty batch", nil))
		return
	}

	if !batch && frames[0] != nil && frames[0].Method == "initialize" && frames[0].isRequest() {
		if frames[0].JSONRPC != "2.0" || !frames[0].validID() {
			rt.writeJSON(w, http.StatusBadRequest, errorResponse(frames[0].ID, CodeInvalidRequest, "invalid JSON-RPC request", nil))
			return
		}
		rt.handleInitialize(w, frames[0])
		return
	}

	// Non-initialize requests require a valid session.
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	sess, ok := rt.sessions.get(sessionID)
	if !ok {
		// Session expired or invalid - client must re-initialize.
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if v := r.Header.Get(protocolHeader); v != "" && !supportedProtocolVersions[v] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	type slot struct {
		req  *message
		resp *response
	}
	var (
		slots     []slot
		streaming bool
	)
	for _, f := range frames {
		switch {
		case f == nil || f.JSONRPC != "2.0":
			var id json.RawMessage
			if f != nil && f.validID() {
				id = f.ID
			}
			slots = append(slots, slot{resp: errorResponse(id, CodeInvalidRequest, "invalid JSON-RPC message", nil)})
		case f.isNotification():
			rt.handleClientNotification(sess, f)
		case f.isRequest():
			if !f.validID() {
				slots = append(slots, slot{resp: errorResponse(nil, CodeInvalidRequest, "id must be a string or a number", nil)})
				continue
			}
			if f.Method == "initialize" {
				slots = append(slots, slot{resp: errorResponse(f.ID, CodeInvalidRequest, "initialize must not be batched", nil)})
				continue
			}
			slots = append(slots, slot{req: f})
			if hasProgressToken(f.Params) {
				streaming = true
			}
		case f.Method == "" && f.hasID() && (len(f.Result) > 0 || len(f.Error) > 0):
			// The router never sends requests to clients; responses are dropped.
			rt.logger.Debug("ignoring client response", "session_id", sess.id, "id", string(f.ID))
		default:
			slots = append(slots, slot{resp: errorResponse(nil, CodeInvalidRequest, "invalid JSON-RPC message", nil)})
		}
	}

	if len(slots) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	table := rt.tables.Snapshot()
	var stream *sseStream
	if streaming && acceptsEventStream(r) {
		stream, _ = newSSEStream(w)
	}
	if stream != nil {
		defer func() {
			if err := stream.close(); err != nil {
				rt.logger.Debug("event stream ended with error", "session_id", sess.id, "error", err)
			}
		}()
		for _, s := range slots {
			resp := s.resp
			if s.req != nil {
				resp = rt.dispatch(r.Context(), sess, table, s.req, stream)
			}
			if err := stream.send(resp); err != nil {
				rt.logger.Debug("write event failed", "session_id", sess.id, "error", err)
				return
			}
		}
		return
	}

	responses := make([]*response, len(slots))
	for i, s := range slots {
		responses[i] = s.resp
		if s.req != nil {
			responses[i] = rt.dispatch(r.Context(), sess, table, s.req, nil)
		}
	}
	if batch {
		rt.writeJSON(w, http.StatusOK, responses)
		return
	}
	status := http.StatusOK
	if slots[0].req == nil {
		status = http.StatusBadRequest
	}
	rt.writeJSON(w, status, responses[0])
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (rt *Router) handleInitialize(w http.ResponseWriter, req *message) {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			rt.writeJSON(w, http.StatusOK, errorResponse(req.ID, CodeInvalidParams, "invalid initialize params", nil))
			return
		}
	}
	version := params.ProtocolVersion
	if !supportedProtocolVersions[version] {
		version = latestProtocolVersion
	}
	sess := rt.sessions.create(version, params.ClientInfo.Name)
	rt.logger.Info("MCP session created",
		"session_id", sess.id,
		"client", params.ClientInfo.Name,
		"protocol_version", version,
	)

	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":       map[string]any{"listChanged": false},
			"resources":   map[string]any{"listChanged": false, "subscribe": false},
			"prompts":     map[string]any{"listChanged": false},
			"completions": map[string]any{},
			"logging":     map[string]any{},
		},
		"serverInfo": rt.opts.Implementation,
	}
	if rt.opts.Instructions != "" {
		result["instructions"] = rt.opts.Instructions
	}
	w.Header().Set(sessionHeader, sess.id)
	rt.writeJSON(w, http.StatusOK, resultResponse(req.ID, result))
}

func (rt *Router) handleClientNotification(sess *session, n *message) {
	switch n.Method {
	case "notifications/initialized":
		sess.markInitialized()
	case "notifications/cancelled":
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil || len(params.RequestID) == 0 {
			rt.logger.Debug("malformed cancellation", "session_id", sess.id)
			return
		}
		if sess.cancel(idKey(params.RequestID)) {
			rt.logger.Debug("client cancelled request", "session_id", sess.id, "id", string(params.RequestID), "reason", params.Reason)
		}
	default:
		rt.logger.Debug("accepted MCP notification", "session_id", sess.id, "method", n.Method)
	}
}

// dispatch answers one request. sink is nil when the response is plain JSON.
func (rt *Router) dispatch(ctx context.Context, sess *session, table *aggregator.Table, req *message, sink progressSink) *response {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer sess.begin(idKey(req.ID), cancel)()

	rt.logger.Debug("MCP request", "method", req.Method, "session_id", sess.id)
	switch req.Method {
	case "ping":
		return resultResponse(req.ID, json.RawMessage(`{}`))
	case "tools/list":
		return rt.listResult(req, table, aggregator.KindTool)
	case "resources/list":
		return rt.listResult(req, table, aggregator.KindResource)
	case "resources/templates/list":
		return rt.listResult(req, table, aggregator.KindResourceTemplate)
	case "prompts/list":
		return rt.listResult(req, table, aggregator.KindPrompt)
	case "logging/setLevel":
		var params struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Level == "" {
			return errorResponse(req.ID, CodeInvalidParams, "logging/setLevel requires a level", nil)
		}
		sess.setLogLevel(params.Level)
		return resultResponse(req.ID, json.RawMessage(`{}`))
	case "tools/call", "prompts/get", "resources/read", "completion/complete":
		return rt.forward(ctx, table, req, sink)
	default:
		return rt.errorFor(req.ID, &MethodNotFoundError{Method: req.Method})
	}
}

// listResult serves a list method from the table as a single page.
func (rt *Router) listResult(req *message, table *aggregator.Table, kind aggregator.Kind) *response {
	return resultResponse(req.ID, map[string]any{kind.ResultKey(): table.Items(kind)})
}

func (rt *Router) errorFor(id json.RawMessage, err error) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: toWire(err)}
}

// forward routes req to the child owning the qualified name in its params.
func (rt *Router) forward(ctx context.Context, table *aggregator.Table, req *message, sink progressSink) *response {
	var params map[string]json.RawMessage
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params == nil {
		return rt.errorFor(req.ID, &InvalidParamsError{Method: req.Method, Reason: "params must be an object"})
	}
	up, err := rt.route(table, req.Method, params)
	if err != nil {
		return rt.errorFor(req.ID, err)
	}
	release, err := rt.rewriteProgressToken(up.Name(), params, sink)
	if err != nil {
		return rt.errorFor(req.ID, &InvalidParamsError{Method: req.Method, Reason: err.Error()})
	}
	defer release()

	encoded, err := json.Marshal(params)
	if err != nil {
		return rt.errorFor(req.ID, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, rt.opts.CallTimeout)
	defer cancel()
	started := time.Now()
	res, err := up.Call(callCtx, req.Method, encoded)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &RequestTimeoutError{Server: up.Name(), Method: req.Method, Timeout: rt.opts.CallTimeout}
		}
		rt.logger.Warn("forwarded request failed", "server", up.Name(), "method", req.Method, "error", err)
		return rt.errorFor(req.ID, err)
	}
	rt.logger.Debug("forwarded request", "server", up.Name(), "method", req.Method, "elapsed", time.Since(started).Round(time.Millisecond))
	if res.Error != nil {
		wire := &wireError{Code: res.Error.Code, Message: res.Error.Message}
		if len(res.Error.Data) > 0 {
			wire.Data = res.Error.Data
		}
		return &response{JSONRPC: "2.0", ID: req.ID, Error: wire}
	}
	return resultResponse(req.ID, res.Result)
}

// route resolves the qualified identifier in params and rewrites it in place
// to the child's native one.
func (rt *Router) route(table *aggregator.Table, method string, params map[string]json.RawMessage) (Upstream, error) {
	switch method {
	case "tools/call":
		return rt.rewriteField(table, method, params, "name", aggregator.KindTool, false)
	case "prompts/get":
		return rt.rewriteField(table, method, params, "name", aggregator.KindPrompt, false)
	case "resources/read":
		return rt.rewriteField(table, method, params, "uri", aggregator.KindResource, true)
	case "completion/complete":
		var ref map[string]json.RawMessage
		if err := json.Unmarshal(params["ref"], &ref); err != nil || ref == nil {
			return nil, &InvalidParamsError{Method: method, Reason: "ref is required"}
		}
		var refType string
		_ = json.Unmarshal(ref["type"], &refType)
		var (
			up  Upstream
			err error
		)
		switch refType {
		case "ref/prompt":
			up, err = rt.rewriteField(table, method, ref, "name", aggregator.KindPrompt, false)
		case "ref/resource":
			up, err = rt.rewriteField(table, method, ref, "uri", aggregator.KindResourceTemplate, true)
		default:
			return nil, &InvalidParamsError{Method: method, Reason: "unsupported ref type " + refType}
		}
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(ref)
		if err != nil {
			return nil, err
		}
		params["ref"] = encoded
		return up, nil
	}
	return nil, &MethodNotFoundError{Method: method}
}

func (rt *Router) rewriteField(table *aggregator.Table, method string, obj map[string]json.RawMessage, field string, kind aggregator.Kind, loose bool) (Upstream, error) {
	var qualified string
	if err := json.Unmarshal(obj[field], &qualified); err != nil || qualified == "" {
		return nil, &InvalidParamsError{Method: method, Reason: field + " is required"}
	}
	up, native, err := rt.resolve(table, method, kind, qualified, loose)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(native)
	if err != nil {
		return nil, err
	}
	obj[field] = encoded
	return up, nil
}

// resolve finds the child for qualified. A name in the table wins. Otherwise
// the first decomposition whose prefix names a live server is used when loose
// is set, which lets resource reads reach URIs matched by templates. A prefix
// naming a server that is not ready yields an unavailable error.
func (rt *Router) resolve(table *aggregator.Table, method string, kind aggregator.Kind, qualified string, loose bool) (Upstream, string, error) {
	if e, ok := table.Lookup(kind, qualified); ok {
		up, err := rt.live(e.Server)
		if err != nil {
			return nil, "", err
		}
		return up, e.Native, nil
	}
	var unavailable error
	for _, c := range rt.opts.Namespace.Split(qualified) {
		up, err := rt.live(c.Server)
		if err != nil {
			var ue *supervisor.UpstreamUnavailableError
			if errors.As(err, &ue) && unavailable == nil && ue.State != "" {
				unavailable = err
			}
			continue
		}
		if loose && table.Has(c.Server) {
			return up, c.Native, nil
		}
	}
	if unavailable != nil {
		return nil, "", unavailable
	}
	return nil, "", &MethodNotFoundError{Method: method, Name: qualified}
}

// live returns the ready upstream named server. An unknown server yields an
// unavailable error with an empty state.
func (rt *Router) live(server string) (Upstream, error) {
	up, ok := rt.upstreams.Upstream(server)
	if !ok {
		return nil, &supervisor.UpstreamUnavailableError{Server: server}
	}
	if st := up.State(); st != supervisor.StateReady {
		return nil, &supervisor.UpstreamUnavailableError{Server: server, State: st}
	}
	return up, nil
}

func hasProgressToken(params json.RawMessage) bool {
	var p struct {
		Meta map[string]json.RawMessage `json:"_meta"`
	}
	if json.Unmarshal(params, &p) != nil {
		return false
	}
	_, ok := p.Meta["progressToken"]
	return ok
}

// rewriteProgressToken swaps the client's progress token for a router token
// when progress can be streamed back, and strips it otherwise.
func (rt *Router) rewriteProgressToken(server string, params map[string]json.RawMessage, sink progressSink) (func(), error) {
	noop := func() {}
	rawMeta, ok := params["_meta"]
	if !ok {
		return noop, nil
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta == nil {
		return noop, nil
	}
	original, ok := meta["progressToken"]
	if !ok {
		return noop, nil
	}
	if !validProgressToken(original) {
		return noop, errors.New("progressToken must be a string or an integer")
	}
	release := noop
	if sink == nil {
		delete(meta, "progressToken")
	} else {
		token, done := rt.progress.track(server, original, sink)
		encoded, err := json.Marshal(token)
		if err != nil {
			done()
			return noop, err
		}
		meta["progressToken"] = encoded
		release = done
	}
	if len(meta) == 0 {
		delete(params, "_meta")
		return release, nil
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		release()
		return noop, err
	}
	params["_meta"] = encoded
	return release, nil
}
