package gateway

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/zenflux/zenflux/pkg/models"
)

// sseWriter serializes events onto a text/event-stream response. Writes are
// mutex-guarded because background tasks may publish from their own
// goroutines while the stream loop is active.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) event(ev *models.Event) {
	payload, err := ev.MarshalWire()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

// tick writes the heartbeat as a named frame, matching the WS surface, so
// clients can observe liveness instead of relying on comment lines.
func (s *sseWriter) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "event: tick\ndata: {}\n\n")
	s.flusher.Flush()
}

// done terminates the stream with the named sentinel frame.
func (s *sseWriter) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "event: done\ndata: {}\n\n")
	s.flusher.Flush()
}
