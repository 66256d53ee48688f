package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// progressSink receives progress notifications destined for one client
// request. notify must not block: it runs on the child's reader goroutine.
type progressSink interface {
	notify(v any) error
}

// progressTracker maps router-issued progress tokens back to the client's
// token and stream. Children never see client tokens, so two clients using the
// same token cannot receive each other's progress.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu            sync.RWMutex
	registrations map[string]progressRegistration

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRegistration struct {
	sink     progressSink
	original json.RawMessage
	seq      uint64
}

// progressCleanupGrace keeps a registration alive briefly after the call
// returns so that progress sent just before the result is still delivered.
const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		registrations: make(map[string]progressRegistration),
		logger:        logger,
		cleanupGrace:  progressCleanupGrace,
	}
}

// track issues a router token for server and remembers the client's original
// token. The returned function releases the registration.
func (pt *progressTracker) track(server string, original json.RawMessage, sink progressSink) (string, func()) {
	token := fmt.Sprintf("mt/%s/%d", server, pt.counter.Add(1))
	key := progressMapKey(server, token)
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.registrations[key] = progressRegistration{sink: sink, original: original, seq: seq}
	pt.mu.Unlock()
	return token, func() {
		pt.removeLater(key, seq)
	}
}

func (pt *progressTracker) removeLater(key string, seq uint64) {
	grace := pt.cleanupGrace
	if grace <= 0 {
		pt.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(grace, func() {
		pt.removeIfMatch(key, seq)
	})
}

func (pt *progressTracker) removeIfMatch(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.registrations[key]; ok && current.seq == seq {
		delete(pt.registrations, key)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(server, token string) (progressRegistration, bool) {
	pt.mu.RLock()
	reg, ok := pt.registrations[progressMapKey(server, token)]
	pt.mu.RUnlock()
	return reg, ok
}

// deliver routes a child's notifications/progress to the client that owns
// the token, rewriting the token back to the client's own.
func (pt *progressTracker) deliver(server string, params json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return false
	}
	var token string
	if err := json.Unmarshal(fields["progressToken"], &token); err != nil {
		pt.logger.Debug("progress token unsupported", "server", server, "token", string(fields["progressToken"]))
		return false
	}
	reg, ok := pt.lookup(server, token)
	if !ok {
		pt.logger.Debug("dropping progress for unknown token", "server", server, "token", token)
		return false
	}
	fields["progressToken"] = reg.original
	rewritten, err := json.Marshal(fields)
	if err != nil {
		return false
	}
	if err := reg.sink.notify(notification{JSONRPC: "2.0", Method: "notifications/progress", Params: rewritten}); err != nil {
		pt.logger.Debug("forward progress failed", "server", server, "error", err)
		return false
	}
	return true
}

func (pt *progressTracker) len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.registrations)
}

func progressMapKey(server, token string) string {
	return server + "|" + token
}

// validProgressToken reports whether raw is a string or an integer.
func validProgressToken(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return true
	case float64:
		return t == float64(int64(t))
	}
	return false
}
