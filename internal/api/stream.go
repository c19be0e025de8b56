package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// sseStream serializes Server-Sent Events onto one response. The stdout and
// stderr writers of a run share it, so events never interleave mid-frame.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
}

// newSSEStream returns nil if the ResponseWriter does not support flushing.
func newSSEStream(w http.ResponseWriter) *sseStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseStream{w: w, flusher: flusher}
}

// Started reports whether any event has been written. Until then the
// handler can still answer with a plain JSON error and status code.
func (s *sseStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Writer returns an io.Writer that sends each write as one event.
func (s *sseStream) Writer(event string) io.Writer {
	return &sseWriter{stream: s, event: event}
}

// Send writes one event and flushes it.
func (s *sseStream) Send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	// Every line of a multi-line payload needs its own "data:" prefix, or a
	// newline in program output would end the event early.
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendJSON marshals v as the event's data.
func (s *sseStream) SendJSON(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(event, string(data))
}

type sseWriter struct {
	stream *sseStream
	event  string
}

func (w *sseWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.stream.Send(w.event, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
