package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session tracks one initialized MCP client.
type session struct {
	id              string
	protocolVersion string
	clientName      string
	createdAt       time.Time

	mu          sync.Mutex
	lastSeen    time.Time
	logLevel    string
	initialized bool
	inflight    map[string]context.CancelFunc
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// begin registers a cancellable request under id. The returned function
// unregisters it.
func (s *session) begin(id string, cancel context.CancelFunc) func() {
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
	}
}

// cancel stops the in-flight request with id and reports whether one existed.
func (s *session) cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *session) cancelAll() {
	s.mu.Lock()
	pending := s.inflight
	s.inflight = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
}

func (s *session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) == 0 && now.Sub(s.lastSeen) > timeout
}

func (s *session) setLogLevel(level string) {
	s.mu.Lock()
	s.logLevel = level
	s.mu.Unlock()
}

func (s *session) markInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore(idleTimeout time.Duration) *sessionStore {
	return &sessionStore{
		idleTimeout: idleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*session),
	}
}

func (st *sessionStore) create(protocolVersion, clientName string) *session {
	now := st.now()
	sess := &session{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		clientName:      clientName,
		createdAt:       now,
		lastSeen:        now,
		inflight:        make(map[string]context.CancelFunc),
	}
	st.mu.Lock()
	st.sessions[sess.id] = sess
	st.mu.Unlock()
	return sess
}

// get returns a live session and refreshes its idle timer. Expired sessions
// are removed on access.
func (st *sessionStore) get(id string) (*session, bool) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, false
	}
	now := st.now()
	if sess.idle(now, st.idleTimeout) {
		st.delete(id)
		return nil, false
	}
	sess.touch(now)
	return sess, true
}

func (st *sessionStore) delete(id string) bool {
	st.mu.Lock()
	sess, existed := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if existed {
		sess.cancelAll()
	}
	return existed
}

func (st *sessionStore) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// sweep removes idle sessions and returns how many it removed.
func (st *sessionStore) sweep() int {
	now := st.now()
	var expired []string
	st.mu.RLock()
	for id, sess := range st.sessions {
		if sess.idle(now, st.idleTimeout) {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()
	for _, id := range expired {
		st.delete(id)
	}
	return len(expired)
}

// janitor sweeps until ctx is done.
func (st *sessionStore) janitor(ctx context.Context, interval time.Duration, onSweep func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := st.sweep(); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}

func (st *sessionStore) closeAll() {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*session)
	st.mu.Unlock()
	for _, sess := range all {
		sess.cancelAll()
	}
}
