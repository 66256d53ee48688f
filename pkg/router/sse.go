package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	errStreamClosed    = errors.New("event stream closed")
	errProgressDropped = errors.New("event stream backlog full; progress dropped")
)

const (
	// sseQueueSize bounds the frames waiting to be written on one stream.
	sseQueueSize    = 32
	// sseWriteTimeout bounds a single frame write to a client.
	sseWriteTimeout = 30 * time.Second
)

// sseStream writes JSON-RPC messages as server-sent events on one POST
// response. Frames go through a queue drained by a writer goroutine, so
// progress arriving on a child's reader goroutine never waits on the client
// socket. Writes after close are rejected so that late progress cannot touch
// a finished response.
type sseStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher

	queue chan []byte
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, "text/event-stream") {
			return true
		}
	}
	return false
}

func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s := &sseStream{
		w:       w,
		rc:      http.NewResponseController(w),
		flusher: flusher,
		queue:   make(chan []byte, sseQueueSize),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, true
}

func (s *sseStream) writeLoop() {
	defer close(s.done)
	for frame := range s.queue {
		if s.failed() != nil {
			continue
		}
		_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
		if _, err := s.w.Write(frame); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			continue
		}
		s.flusher.Flush()
	}
	_ = s.rc.SetWriteDeadline(time.Time{})
}

func (s *sseStream) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func encodeEvent(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "event: message\ndata: %s\n\n", data), nil
}

// notify queues a notification without blocking. It is dropped when the
// client is not keeping up.
func (s *sseStream) notify(v any) error {
	frame, err := encodeEvent(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if s.err != nil {
		return s.err
	}
	select {
	case s.queue <- frame:
		return nil
	default:
		return errProgressDropped
	}
}

// send queues a response, waiting for room. Only the handler goroutine that
// owns the stream calls send and close.
func (s *sseStream) send(v any) error {
	frame, err := encodeEvent(v)
	if err != nil {
		return err
	}
	if err := s.failed(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errStreamClosed
	}
	select {
	case s.queue <- frame:
		return nil
	case <-s.done:
		return errStreamClosed
	}
}

// close rejects further frames and waits until the queued ones are written.
func (s *sseStream) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return s.failed()
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	return s.failed()
}
