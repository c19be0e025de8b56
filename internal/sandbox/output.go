package sandbox

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const (
	liveQueueChunks = 64
	// liveDrainWait bounds how long a finished step waits for its live
	// consumer to catch up.
	liveDrainWait = 500 * time.Millisecond
)

// liveSink forwards chunks to a live consumer from its own goroutine, so a
// consumer that stops reading never holds up the step. Chunks that do not
// fit the queue are dropped.
type liveSink struct {
	w         io.Writer
	ch        chan []byte
	done      chan struct{}
	abandoned atomic.Bool
	dropped   atomic.Int64
}

func newLiveSink(w io.Writer) *liveSink {
	s := &liveSink{w: w, ch: make(chan []byte, liveQueueChunks), done: make(chan struct{})}
	go s.drain()
	return s
}

func (s *liveSink) drain() {
	defer close(s.done)
	broken := false
	for p := range s.ch {
		if broken || s.abandoned.Load() {
			continue
		}
		if _, err := s.w.Write(p); err != nil {
			broken = true
		}
	}
}

func (s *liveSink) offer(p []byte) {
	select {
	case s.ch <- bytes.Clone(p):
	default:
		s.dropped.Add(1)
	}
}

// cappedBuffer keeps at most limit bytes of a stream. Writes past the limit
// are accepted and discarded so the producer never blocks on a full pipe;
// the first such write fires onOverflow.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	live       *liveSink
	closed     bool
	truncated  bool
	onOverflow func()
}

func newCappedBuffer(limit int64, tee io.Writer, onOverflow func()) *cappedBuffer {
	c := &cappedBuffer{limit: int(limit), onOverflow: onOverflow}
	if tee != nil {
		c.live = newLiveSink(tee)
	}
	return c
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	remaining := c.limit - c.buf.Len()
	if n > remaining {
		p = p[:max(remaining, 0)]
		if !c.truncated {
			c.truncated = true
			if c.onOverflow != nil {
				c.onOverflow()
			}
		}
	}
	if len(p) > 0 {
		c.buf.Write(p)
		if c.live != nil && !c.closed {
			c.live.offer(p)
		}
	}
	return n, nil
}

// closeLive stops forwarding to the live consumer and waits up to wait for
// it to take what is queued. Writes that arrive later are still captured.
func (c *cappedBuffer) closeLive(wait time.Duration) {
	c.mu.Lock()
	if c.live == nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.live.ch)
	live := c.live
	c.mu.Unlock()

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-live.done:
	case <-t.C:
		live.abandoned.Store(true)
	}
}

// Truncated reports whether any output was dropped.
func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// String returns the captured bytes. When the cut landed inside a
// multi-byte character the partial character is dropped.
func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.buf.Bytes()
	if c.truncated {
		for i := 0; i < utf8.UTFMax-1 && len(b) > 0; i++ {
			r, size := utf8.DecodeLastRune(b)
			if r != utf8.RuneError || size != 1 {
				break
			}
			b = b[:len(b)-1]
		}
	}
	return string(b)
}

// Len returns the number of captured bytes.
func (c *cappedBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}
