// Package sink turns raw runner output into plain text for a display:
// line endings are normalized and terminal escape sequences removed.
package sink

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/stackvity/phpunitkit/internal/metrics"
)

const (
	esc = '\x1b'

	// eraseLine clears the current terminal line. Text before it on the
	// same line is dropped.
	eraseLine = "\x1b[2K"

	// maxHoldback caps how much of an unterminated escape sequence is held
	// for the next chunk before it is flushed as is.
	maxHoldback = 256
)

// Display is an append-only text buffer owned by a UI.
type Display interface {
	Append(text string)
	ScrollToEnd()
	Clear()
}

// Dispatcher runs fn on the goroutine that owns the display. Displays that
// are not safe for concurrent mutation are reached only through one.
type Dispatcher func(fn func())

// Sink receives output chunks from any goroutine and forwards normalized
// text to its display. Calls are serialized, so chunks reach the display in
// the order the sink received them.
type Sink struct {
	mu       sync.Mutex
	display  Display
	dispatch Dispatcher
	metrics  *metrics.Metrics
	pending  string
}

// Option configures a Sink.
type Option func(*Sink)

// WithDispatcher routes every display mutation through d.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Sink) { s.dispatch = d }
}

// WithMetrics counts the bytes received.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// New creates a sink over display.
func New(display Display, opts ...Option) *Sink {
	s := &Sink{
		display:  display,
		dispatch: func(fn func()) { fn() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append normalizes chunk and appends it to the display, then scrolls to
// the end. A trailing carriage return or an unfinished escape sequence is
// held until the next chunk or Flush, so sequences split across reads are
// still recognized.
func (s *Sink) Append(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.OutputBytes(len(chunk))

	data := s.pending + chunk
	cut := holdback(data)
	data, s.pending = data[:cut], data[cut:]
	s.emitLocked(data)
}

// Write implements io.Writer.
func (s *Sink) Write(p []byte) (int, error) {
	s.Append(string(p))
	return len(p), nil
}

// Flush emits anything held back by Append.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.pending
	s.pending = ""
	s.emitLocked(data)
}

// Reset clears the display and drops held back bytes.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ""
	display := s.display
	s.dispatch(display.Clear)
}

func (s *Sink) emitLocked(data string) {
	text := Normalize(data)
	if text == "" {
		return
	}
	display := s.display
	s.dispatch(func() {
		display.Append(text)
		display.ScrollToEnd()
	})
}

// Normalize converts \r\n and bare \r to \n, applies erase-line, and strips
// the remaining escape sequences. Text without escapes is returned with
// only its line endings changed.
func Normalize(data string) string {
	if data == "" {
		return ""
	}
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")
	if strings.IndexByte(data, esc) < 0 {
		return data
	}
	if strings.Contains(data, eraseLine) {
		lines := strings.Split(data, "\n")
		for i, line := range lines {
			if at := strings.LastIndex(line, eraseLine); at >= 0 {
				lines[i] = line[at+len(eraseLine):]
			}
		}
		data = strings.Join(lines, "\n")
	}
	return ansi.Strip(data)
}

// holdback returns the length of data that can be emitted now. The rest is
// a trailing \r, which may be the first half of \r\n, or the line holding
// an escape sequence whose end has not arrived.
func holdback(data string) int {
	n := len(data)
	if n == 0 {
		return 0
	}
	if data[n-1] == '\r' {
		return n - 1
	}

	from := n - maxHoldback
	if from < 0 {
		from = 0
	}
	at := strings.LastIndexByte(data[from:], esc)
	if at < 0 {
		return n
	}
	at += from
	if complete(data[at:]) {
		return n
	}
	// Hold the rest of the line too, so an erase-line that completes in the
	// next chunk can still drop it.
	lineStart := strings.LastIndexByte(data[:at], '\n') + 1
	if at-lineStart > maxHoldback {
		return at
	}
	return lineStart
}

// complete reports whether seq, which starts with ESC, holds a whole
// escape sequence.
func complete(seq string) bool {
	if len(seq) < 2 {
		return false
	}
	switch seq[1] {
	case '[':
		// CSI: parameter and intermediate bytes, then a final byte.
		for i := 2; i < len(seq); i++ {
			if c := seq[i]; c >= 0x40 && c <= 0x7e {
				return true
			} else if c < 0x20 || c > 0x3f {
				return true // malformed; let the stripper deal with it
			}
		}
		return false
	case ']', 'P', '_', '^':
		// String sequences end with BEL or ESC \.
		return strings.IndexByte(seq, '\a') >= 0 || strings.Contains(seq[2:], "\x1b\\")
	default:
		return true
	}
}
