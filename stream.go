package ssebackplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mroth/ssebackplane/internal/debug"
)

const (
	// DefaultKeepAlive is the interval between keepalive comments.
	DefaultKeepAlive = 30 * time.Second
	// DefaultRetry is the reconnection delay sent to clients at stream open.
	DefaultRetry = 3 * time.Second
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("ssebackplane: response writer does not support flushing")

// StreamState is the lifecycle position of a Stream.
type StreamState int32

const (
	StateOpening StreamState = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream writes envelopes to one client in the text/event-stream format.
//
// Each event carries an id starting at 1 and increasing by one per event,
// an "event:" line set to the envelope's group tag when it has one, and the
// payload as data lines. Keepalive comments are written on a fixed interval
// and never consume an id. Frames are written whole, one at a time, and
// flushed immediately.
type Stream struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	retry     time.Duration
	keepAlive time.Duration
	metrics   *Metrics

	mu     sync.Mutex // serializes frames
	buf    bytes.Buffer
	lastID uint64
	state  atomic.Int32
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithRetry sets the reconnection delay advertised at open. Zero omits the
// retry directive.
func WithRetry(d time.Duration) StreamOption {
	return func(s *Stream) { s.retry = d }
}

// WithKeepAlive sets the keepalive interval. Zero disables keepalives.
func WithKeepAlive(d time.Duration) StreamOption {
	return func(s *Stream) { s.keepAlive = d }
}

// WithStreamMetrics counts written frames on m.
func WithStreamMetrics(m *Metrics) StreamOption {
	return func(s *Stream) { s.metrics = m }
}

// NewStream wraps w. It does not write anything until Open.
func NewStream(w http.ResponseWriter, opts ...StreamOption) *Stream {
	s := &Stream{
		w:         w,
		rc:        http.NewResponseController(w),
		retry:     DefaultRetry,
		keepAlive: DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// Close marks the stream Closed. Call it once the connection behind the
// stream has been released and its disconnect notice has fired. It writes
// nothing.
func (s *Stream) Close() {
	s.state.Store(int32(StateClosed))
}

// LastEventID is the id of the last event written, 0 before the first.
func (s *Stream) LastEventID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Open sends the event-stream headers and the retry directive.
func (s *Stream) Open() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry > 0 {
		s.buf.Reset()
		s.buf.WriteString("retry: ")
		s.buf.WriteString(strconv.FormatInt(s.retry.Milliseconds(), 10))
		s.buf.WriteString("\n\n")
		if _, err := s.w.Write(s.buf.Bytes()); err != nil {
			return fmt.Errorf("ssebackplane: write retry: %w", err)
		}
	}
	if err := s.rc.Flush(); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			return ErrStreamingUnsupported
		}
		return fmt.Errorf("ssebackplane: flush: %w", err)
	}
	return nil
}

// WriteEvent writes env as the next event and flushes.
func (s *Stream) WriteEvent(env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	appendEvent(&s.buf, s.lastID+1, env)
	if err := s.writeLocked(); err != nil {
		return err
	}
	s.lastID++
	s.metrics.frame("event")
	return nil
}

// WriteComment writes a comment frame, ignored by EventSource clients.
func (s *Stream) WriteComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	appendComment(&s.buf, text)
	if err := s.writeLocked(); err != nil {
		return err
	}
	s.metrics.frame("comment")
	return nil
}

func (s *Stream) writeLocked() error {
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return fmt.Errorf("ssebackplane: write frame: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("ssebackplane: flush: %w", err)
	}
	return nil
}

// Run drains q onto the stream until ctx is cancelled, q is closed and
// empty, or a write fails. Only write failures are returned. The keepalive
// ticker is stopped in every case and the stream is left Closing until Close.
func (s *Stream) Run(ctx context.Context, q QueueReader) error {
	s.state.Store(int32(StateStreaming))

	// any SSE line beginning with a colon is ignored by clients, so a
	// comment makes a cheap keepalive for proxies with idle timeouts
	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateClosing))
			debug.Debug("stream context done")
			return nil

		case <-tick:
			if err := s.WriteComment("keepalive"); err != nil {
				s.state.Store(int32(StateClosing))
				return err
			}

		case <-q.Ready():
			for {
				env, ok := q.Pop()
				if !ok {
					break
				}
				if ctx.Err() != nil {
					s.state.Store(int32(StateClosing))
					return nil
				}
				if err := s.WriteEvent(env); err != nil {
					s.state.Store(int32(StateClosing))
					return err
				}
			}
			if q.Closed() && q.Len() == 0 {
				s.state.Store(int32(StateClosing))
				debug.Debug("queue closed, ending stream")
				return nil
			}
		}
	}
}

// appendEvent formats one event frame. Payload line breaks (CR, LF or CRLF)
// split the payload over several data lines so they cannot end the frame
// early.
func appendEvent(b *bytes.Buffer, id uint64, env *Envelope) {
	b.WriteString("id: ")
	b.WriteString(strconv.FormatUint(id, 10))
	b.WriteByte('\n')
	if g, ok := env.Group(); ok {
		b.WriteString("event: ")
		writeSingleLine(b, g)
		b.WriteByte('\n')
	}
	writeLines(b, "data: ", env.Payload())
	b.WriteByte('\n')
}

func appendComment(b *bytes.Buffer, text string) {
	writeLines(b, ": ", []byte(text))
	b.WriteByte('\n')
}

func writeLines(b *bytes.Buffer, prefix string, p []byte) {
	for {
		i := bytes.IndexAny(p, "\r\n")
		b.WriteString(prefix)
		if i < 0 {
			b.Write(p)
			b.WriteByte('\n')
			return
		}
		b.Write(p[:i])
		b.WriteByte('\n')
		if p[i] == '\r' && i+1 < len(p) && p[i+1] == '\n' {
			i++
		}
		p = p[i+1:]
	}
}

// writeSingleLine writes s with any line breaks replaced by spaces.
func writeSingleLine(b *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\r' || c == '\n' {
			c = ' '
		}
		b.WriteByte(c)
	}
}
