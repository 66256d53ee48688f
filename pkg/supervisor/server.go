package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/appsecsanta/mcptunnel/internal/procgroup"
	"github.com/appsecsanta/mcptunnel/pkg/guard"
	"github.com/appsecsanta/mcptunnel/pkg/registry"
)

// ProtocolVersion is the MCP revision requested from children.
const ProtocolVersion = "2025-03-26"

const cancelWriteTimeout = time.Second

// Capabilities summarizes what a child advertised during initialize.
type Capabilities struct {
	Tools       bool
	Resources   bool
	Prompts     bool
	Completions bool
	Logging     bool
}

// Result is a child's answer to a call: either a raw result or an error
// object, never both.
type Result struct {
	Result json.RawMessage
	Error  *RPCError
}

type call struct {
	ctx    context.Context
	method string
	params json.RawMessage
	done   chan callResult
}

type callResult struct {
	res *Result
	err error
}

func (c *call) finish(res *Result, err error) {
	c.done <- callResult{res: res, err: err}
}

// Server is one supervised child process.
type Server struct {
	def      registry.Definition
	name     string
	opts     *Options
	logger   *slog.Logger
	redactor *guard.Redactor

	cmd  *exec.Cmd
	conn mcp.Connection
	pid  int

	queue chan *call
	done  chan struct{}
	ids   atomic.Uint64

	mu           sync.Mutex
	state        State
	stopping     bool
	exitErr      error
	pending      map[any]chan *jsonrpc.Response
	caps         Capabilities
	serverInfo   *mcp.Implementation
	instructions string
	startedAt    time.Time

	writeMu sync.Mutex

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newServer(def registry.Definition, opts *Options) *Server {
	name := def.ExposedName()
	return &Server{
		def:      def.Clone(),
		name:     name,
		opts:     opts,
		logger:   opts.Logger.With("server", name),
		redactor: guard.RedactorFor(def),
		queue:    make(chan *call, opts.QueueSize),
		done:     make(chan struct{}),
		state:    StateStarting,
		pending:  make(map[any]chan *jsonrpc.Response),
	}
}

// Name returns the exposed server name used for namespacing.
func (s *Server) Name() string { return s.name }

// Definition returns a copy of the definition the server was started from.
func (s *Server) Definition() registry.Definition { return s.def.Clone() }

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns what the child advertised at initialize.
func (s *Server) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// ServerInfo returns the child's implementation metadata, if known.
func (s *Server) ServerInfo() *mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Instructions returns the child's initialize instructions.
func (s *Server) Instructions() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instructions
}

// PID returns the child's process id, or 0 before spawn.
func (s *Server) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Err returns why the server failed or crashed.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Done is closed once the child's stdio channel is gone.
func (s *Server) Done() <-chan struct{} { return s.done }

// Call forwards one JSON-RPC request to the child and waits for its answer.
// Calls are served in FIFO order, one at a time. Cancelling ctx removes a
// queued call or cancels an in-flight one without affecting the child.
func (s *Server) Call(ctx context.Context, method string, params json.RawMessage) (*Result, error) {
	if st := s.State(); st != StateReady {
		return nil, s.unavailable()
	}
	return s.do(ctx, method, params)
}

func (s *Server) unavailable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &UpstreamUnavailableError{Server: s.name, State: s.state, Err: s.exitErr}
}

func (s *Server) start(ctx context.Context) error {
	if s.def.Command == "" {
		err := &SpawnError{Server: s.name, Err: errors.New("command missing")}
		s.fail(err)
		return err
	}
	cmd := exec.Command(s.def.Command, s.def.Args...)
	cmd.Env = mergeEnv(s.opts.BaseEnv, s.def.Env)
	cmd.SysProcAttr = procgroup.SysProcAttr()
	cmd.Stderr = &stderrLogger{server: s.name, logger: s.opts.Logger, redact: s.redactor}
	cmd.WaitDelay = s.opts.StopGrace

	var transport mcp.Transport = &mcp.CommandTransport{Command: cmd}
	conn, err := transport.Connect(ctx)
	if err != nil {
		spawnErr := &SpawnError{Server: s.name, Err: err}
		s.fail(spawnErr)
		return spawnErr
	}
	if s.opts.LogRPC {
		conn = &loggingConnection{server: s.name, delegate: conn, logger: s.opts.Logger, redact: s.redactor}
	}

	s.mu.Lock()
	s.cmd = cmd
	s.conn = conn
	if cmd.Process != nil {
		s.pid = cmd.Process.Pid
	}
	s.startedAt = time.Now()
	pid := s.pid
	s.mu.Unlock()
	s.logger.Debug("spawned server", "command", s.def.CommandLine(), "pid", pid, "source", s.def.Source)

	go s.readLoop()
	go s.serve()

	if err := s.handshake(ctx); err != nil {
		s.fail(err)
		_ = s.Stop(context.Background())
		return err
	}
	s.transition(StateReady)
	s.logger.Debug("server ready", "pid", pid, "elapsed", time.Since(s.startedAt).Round(time.Millisecond))
	return nil
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    map[string]any      `json:"capabilities"`
	ClientInfo      *mcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      *mcp.Implementation        `json:"serverInfo"`
	Instructions    string                     `json:"instructions"`
}

func (r initializeResult) capabilities() Capabilities {
	has := func(key string) bool {
		raw, ok := r.Capabilities[key]
		return ok && string(raw) != "null"
	}
	return Capabilities{
		Tools:       has("tools"),
		Resources:   has("resources"),
		Prompts:     has("prompts"),
		Completions: has("completions"),
		Logging:     has("logging"),
	}
}

func (s *Server) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	params, err := json.Marshal(initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      s.opts.ClientInfo,
	})
	if err != nil {
		return &SpawnError{Server: s.name, Err: err}
	}
	res, err := s.do(hctx, "initialize", params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &HandshakeTimeoutError{Server: s.name, Timeout: s.opts.HandshakeTimeout}
		}
		return &SpawnError{Server: s.name, Err: err}
	}
	if res.Error != nil {
		return &SpawnError{Server: s.name, Err: fmt.Errorf("initialize rejected: %w", res.Error)}
	}
	var init initializeResult
	if err := json.Unmarshal(res.Result, &init); err != nil {
		return &SpawnError{Server: s.name, Err: fmt.Errorf("decode initialize result: %w", err)}
	}
	s.mu.Lock()
	s.caps = init.capabilities()
	s.serverInfo = init.ServerInfo
	s.instructions = init.Instructions
	s.mu.Unlock()

	if err := s.notify(hctx, "notifications/initialized", json.RawMessage(`{}`)); err != nil {
		return &SpawnError{Server: s.name, Err: fmt.Errorf("send initialized: %w", err)}
	}
	return nil
}

func (s *Server) do(ctx context.Context, method string, params json.RawMessage) (*Result, error) {
	c := &call{ctx: ctx, method: method, params: params, done: make(chan callResult, 1)}
	select {
	case <-s.done:
		return nil, s.unavailable()
	default:
	}
	select {
	case s.queue <- c:
	case <-s.done:
		return nil, s.unavailable()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-c.done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case r := <-c.done:
			return r.res, r.err
		default:
		}
		return nil, s.unavailable()
	}
}

// serve is the actor owning the write side of the child's stdio channel.
func (s *Server) serve() {
	for {
		select {
		case <-s.done:
			return
		case c := <-s.queue:
			s.execute(c)
		}
	}
}

func (s *Server) execute(c *call) {
	if err := c.ctx.Err(); err != nil {
		c.finish(nil, err)
		return
	}
	id, err := jsonrpc.MakeID(fmt.Sprintf("mt-%d", s.ids.Add(1)))
	if err != nil {
		c.finish(nil, err)
		return
	}
	key := id.Raw()
	ch := make(chan *jsonrpc.Response, 1)

	s.mu.Lock()
	terminal := s.state.Terminal()
	if !terminal {
		s.pending[key] = ch
	}
	s.mu.Unlock()
	if terminal {
		c.finish(nil, s.unavailable())
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	started := time.Now()
	if err := s.write(c.ctx, &jsonrpc.Request{ID: id, Method: c.method, Params: c.params}); err != nil {
		if ctxErr := c.ctx.Err(); ctxErr != nil {
			c.finish(nil, ctxErr)
			return
		}
		c.finish(nil, &UpstreamUnavailableError{Server: s.name, State: s.State(), Err: err})
		return
	}
	select {
	case resp := <-ch:
		s.logger.Debug("upstream call finished", "method", c.method, "elapsed", time.Since(started).Round(time.Millisecond))
		c.finish(toResult(resp), nil)
	case <-c.ctx.Done():
		s.logger.Debug("cancelling upstream call", "method", c.method, "reason", c.ctx.Err())
		s.sendCancel(key, c.ctx.Err())
		c.finish(nil, c.ctx.Err())
	case <-s.done:
		c.finish(nil, s.unavailable())
	}
}

func toResult(resp *jsonrpc.Response) *Result {
	if resp.Error == nil {
		result := resp.Result
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		return &Result{Result: result}
	}
	return &Result{Error: toRPCError(resp)}
}

// toRPCError recovers the child's code, message and data by re-encoding the
// response into its wire form.
func toRPCError(resp *jsonrpc.Response) *RPCError {
	encoded, err := jsonrpc.EncodeMessage(resp)
	if err == nil {
		var wire struct {
			Error *RPCError `json:"error"`
		}
		if json.Unmarshal(encoded, &wire) == nil && wire.Error != nil {
			return wire.Error
		}
	}
	return &RPCError{Code: CodeInternalError, Message: resp.Error.Error()}
}

func (s *Server) notify(ctx context.Context, method string, params json.RawMessage) error {
	return s.write(ctx, &jsonrpc.Request{Method: method, Params: params})
}

// write serializes frames so that replies and cancellations never interleave
// with the actor's requests.
func (s *Server) write(ctx context.Context, msg jsonrpc.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, msg)
}

func (s *Server) sendCancel(requestID any, reason error) {
	params, err := json.Marshal(map[string]any{"requestId": requestID, "reason": reason.Error()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelWriteTimeout)
	defer cancel()
	if err := s.notify(ctx, "notifications/cancelled", params); err != nil {
		s.logger.Debug("send cancellation failed", "error", err)
	}
}

// readLoop owns the read side of the child's stdio channel.
func (s *Server) readLoop() {
	for {
		msg, err := s.conn.Read(context.Background())
		if err != nil {
			s.exited(err)
			return
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			key := m.ID.Raw()
			s.mu.Lock()
			ch, ok := s.pending[key]
			delete(s.pending, key)
			s.mu.Unlock()
			if !ok {
				s.logger.Debug("dropping response for unknown or cancelled request", "id", key)
				continue
			}
			ch <- m
		case *jsonrpc.Request:
			if m.ID.IsValid() {
				go s.answerChildRequest(m)
				continue
			}
			if s.opts.OnNotification != nil {
				s.opts.OnNotification(s, &Notification{Method: m.Method, Params: m.Params})
			}
		}
	}
}

// answerChildRequest replies to requests the child sends to its client.
// Only ping and roots/list have a meaningful local answer.
func (s *Server) answerChildRequest(req *jsonrpc.Request) {
	idJSON, err := json.Marshal(req.ID.Raw())
	if err != nil {
		return
	}
	var body []byte
	switch req.Method {
	case "ping":
		body = fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%s,"result":{}}`, idJSON)
	case "roots/list":
		body = fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%s,"result":{"roots":[]}}`, idJSON)
	default:
		msg, _ := json.Marshal("method not supported by mcptunnel: " + req.Method)
		body = fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%s}}`, idJSON, CodeMethodNotFound, msg)
	}
	reply, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		s.logger.Debug("build reply failed", "method", req.Method, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelWriteTimeout)
	defer cancel()
	if err := s.write(ctx, reply); err != nil {
		s.logger.Debug("reply to child request failed", "method", req.Method, "error", err)
	}
}

// exited runs once when the read side reports EOF or an error.
func (s *Server) exited(readErr error) {
	s.mu.Lock()
	from := s.state
	to := from
	switch {
	case s.stopping:
		to = StateStopped
	case from == StateReady:
		to = StateCrashed
	case from == StateStarting:
		to = StateFailed
	}
	changed := from != to && from.canTransition(to)
	if changed {
		s.state = to
		if !s.stopping && s.exitErr == nil {
			var cause error
			if !errors.Is(readErr, io.EOF) {
				cause = readErr
			}
			s.exitErr = &UpstreamCrashError{Server: s.name, Err: cause}
		}
	}
	s.mu.Unlock()

	close(s.done)
	closeErr := s.closeConn()

	if !changed {
		return
	}
	switch to {
	case StateCrashed:
		s.logger.Warn("server crashed", "exit", exitDescription(closeErr))
	case StateFailed:
		s.logger.Warn("server exited during startup", "exit", exitDescription(closeErr))
	default:
		s.logger.Debug("server exited", "exit", exitDescription(closeErr))
	}
	s.notifyState(from, to)
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (s *Server) closeConn() error {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
	})
	return s.closeErr
}

func (s *Server) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	ok := from.canTransition(to)
	if ok {
		s.state = to
	}
	s.mu.Unlock()
	if ok {
		s.notifyState(from, to)
	}
	return ok
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	if s.exitErr == nil {
		s.exitErr = err
	}
	s.mu.Unlock()
	if s.transition(StateFailed) {
		s.logger.Warn("server failed to start", "error", err)
	}
}

func (s *Server) notifyState(from, to State) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s, from, to)
	}
}

// Stop terminates the child: the process group gets a termination signal,
// StopGrace to exit, and is then killed. Stop is idempotent and safe in any
// state.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() { err = s.stop(ctx) })
	return err
}

func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	spawned := s.conn != nil
	pid := s.pid
	s.mu.Unlock()

	if !spawned {
		s.transition(StateStopped)
		return nil
	}
	select {
	case <-s.done:
		s.closeConn()
		return nil
	default:
	}

	s.logger.Debug("stopping server", "pid", pid, "grace", s.opts.StopGrace)
	if err := procgroup.Terminate(pid); err != nil {
		s.logger.Debug("termination signal failed", "pid", pid, "error", err)
	}
	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()
	var killErr error
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("server ignored termination signal, killing", "pid", pid)
		killErr = procgroup.Kill(pid)
	case <-ctx.Done():
		killErr = procgroup.Kill(pid)
	}
	select {
	case <-s.done:
	case <-time.After(s.opts.StopGrace):
		s.logger.Warn("server stdio still open after kill", "pid", pid)
	}
	s.closeConn()
	return killErr
}
