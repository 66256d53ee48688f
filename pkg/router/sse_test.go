package router

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// stalledWriter blocks every body write until release is closed, like a
// client that stopped reading once its socket buffers filled.
type stalledWriter struct {
	header  http.Header
	release chan struct{}

	mu  sync.Mutex
	buf bytes.Buffer
}

func newStalledWriter() *stalledWriter {
	return &stalledWriter{header: make(http.Header), release: make(chan struct{})}
}

func (w *stalledWriter) Header() http.Header { return w.header }
func (w *stalledWriter) WriteHeader(int)     {}
func (w *stalledWriter) Flush()              {}

func (w *stalledWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *stalledWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestNotifyDoesNotBlockOnStalledClient(t *testing.T) {
	w := newStalledWriter()
	stream, ok := newSSEStream(w)
	if !ok {
		t.Fatal("stalled writer should support flushing")
	}

	finished := make(chan int)
	go func() {
		dropped := 0
		for i := 0; i < sseQueueSize*3; i++ {
			if err := stream.notify(notification{JSONRPC: "2.0", Method: "notifications/progress"}); errors.Is(err, errProgressDropped) {
				dropped++
			}
		}
		finished <- dropped
	}()

	select {
	case dropped := <-finished:
		if dropped == 0 {
			t.Fatal("expected progress to be dropped once the backlog filled")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notify blocked on a client that is not reading")
	}

	close(w.release)
	if err := stream.send(map[string]any{"jsonrpc": "2.0", "id": 1, "result": map[string]any{}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	out := strings.TrimSpace(w.String())
	events := strings.Split(out, "\n\n")
	if last := events[len(events)-1]; !strings.Contains(last, `"id":1`) {
		t.Fatalf("the response must be the last event, got %q", last)
	}
	if err := stream.notify(notification{JSONRPC: "2.0", Method: "notifications/progress"}); !errors.Is(err, errStreamClosed) {
		t.Fatalf("notify after close = %v, expected errStreamClosed", err)
	}
}

func TestProgressDeliveryDoesNotWaitForSlowStream(t *testing.T) {
	w := newStalledWriter()
	stream, _ := newSSEStream(w)
	pt := newProgressTracker(quietLogger())
	token, release := pt.track("alpha", []byte(`"client"`), stream)
	defer release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sseQueueSize*2; i++ {
			pt.deliver("alpha", []byte(`{"progressToken":"`+token+`","progress":1}`))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("progress delivery blocked the caller")
	}
	close(w.release)
	if err := stream.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(w.String(), `"progressToken":"client"`) {
		t.Fatalf("queued progress was not written: %q", w.String())
	}
}
