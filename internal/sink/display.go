package sink

import (
	"io"
	"strings"
	"sync"
	"unicode/utf8"
)

// Buffer is an in-memory Display. When MaxBytes is set, whole lines are
// dropped from the front to stay under it.
type Buffer struct {
	mu       sync.Mutex
	text     strings.Builder
	maxBytes int
	dropped  int
}

// NewBuffer creates a Buffer capped at maxBytes. Zero disables the cap.
func NewBuffer(maxBytes int) *Buffer {
	return &Buffer{maxBytes: maxBytes}
}

// Append implements Display.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.WriteString(text)
	if b.maxBytes > 0 && b.text.Len() > b.maxBytes {
		b.trimLocked()
	}
}

func (b *Buffer) trimLocked() {
	s := b.text.String()
	excess := len(s) - b.maxBytes
	cut := strings.IndexByte(s[excess-1:], '\n')
	if cut >= 0 {
		cut += excess // just past the newline
	}
	if cut < 0 || cut == len(s) {
		// The last line alone is over the cap: keep its tail.
		cut = excess
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
	}
	b.dropped += cut
	b.text.Reset()
	b.text.WriteString(s[cut:])
}

// ScrollToEnd implements Display. A Buffer has no view of its own; its
// reader decides what to show.
func (b *Buffer) ScrollToEnd() {}

// Clear implements Display.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text.Reset()
	b.dropped = 0
}

// String returns the buffered text.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

// Dropped returns the number of bytes discarded by the cap since the last
// Clear.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// WriterDisplay streams appended text to an io.Writer, typically a
// terminal. Scrolling is the terminal's business and Clear writes nothing.
type WriterDisplay struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterDisplay creates a display writing to w.
func NewWriterDisplay(w io.Writer) *WriterDisplay {
	return &WriterDisplay{w: w}
}

// Append implements Display.
func (d *WriterDisplay) Append(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = io.WriteString(d.w, text)
}

// ScrollToEnd implements Display.
func (d *WriterDisplay) ScrollToEnd() {}

// Clear implements Display.
func (d *WriterDisplay) Clear() {}

// Tee fans every mutation out to several displays.
type Tee []Display

// Append implements Display.
func (t Tee) Append(text string) {
	for _, d := range t {
		d.Append(text)
	}
}

// ScrollToEnd implements Display.
func (t Tee) ScrollToEnd() {
	for _, d := range t {
		d.ScrollToEnd()
	}
}

// Clear implements Display.
func (t Tee) Clear() {
	for _, d := range t {
		d.Clear()
	}
}
