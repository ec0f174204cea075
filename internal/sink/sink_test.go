package sink

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDisplay records display mutations with testify.
type MockDisplay struct {
	mock.Mock
}

func (m *MockDisplay) Append(text string) { m.Called(text) }
func (m *MockDisplay) ScrollToEnd()       { m.Called() }
func (m *MockDisplay) Clear()             { m.Called() }

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain text unchanged", "OK (3 tests, 5 assertions)\n", "OK (3 tests, 5 assertions)\n"},
		{"tabs and unicode unchanged", "  ✔ works\tfine — ünïcode\n", "  ✔ works\tfine — ünïcode\n"},
		{"crlf", "a\r\nb\r\n", "a\nb\n"},
		{"bare cr", "50%\r100%\r", "50%\n100%\n"},
		{"sgr colors", "\x1b[37;41mFAILURES!\x1b[0m\n", "FAILURES!\n"},
		{"bold and reset", "\x1b[1mTests:\x1b[22m 3\n", "Tests: 3\n"},
		{"cursor movement", "\x1b[2Aup\x1b[10Gcol\n", "upcol\n"},
		{"erase line drops preceding text", "keep\nprogress 10%\x1b[2Kdone\n", "keep\ndone\n"},
		{"last erase on a line wins", "a\x1b[2Kb\x1b[2Kc", "c"},
		{"osc title", "\x1b]0;phpunit\aOK\n", "OK\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNormalizeIsIdempotentOnPlainText(t *testing.T) {
	inputs := []string{
		"PHPUnit 10.5.0 by Sebastian Bergmann and contributors.\n\n...F.  5 / 5 (100%)\n",
		"There was 1 failure:\n\n1) App\\FooTest::testBar\nFailed asserting that false is true.\n",
		"[brackets] and ;5m look-alikes without escapes\n",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, in, once)
		assert.Equal(t, once, Normalize(once))
	}
}

func TestSinkAppendScrollsToEnd(t *testing.T) {
	d := &MockDisplay{}
	d.On("Append", "hello\n").Once()
	d.On("ScrollToEnd").Once()

	s := New(d)
	s.Append("\x1b[32mhello\x1b[0m\r\n")
	d.AssertExpectations(t)
}

func TestSinkHoldsBackSplitSequences(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []string
		expected string
	}{
		{"crlf split", []string{"line one\r", "\nline two\n"}, "line one\nline two\n"},
		{"csi split", []string{"red: \x1b[3", "1mFAIL\x1b[0m\n"}, "red: FAIL\n"},
		{"lone escape", []string{"x\x1b", "[0my\n"}, "xy\n"},
		{"erase line split", []string{"50%\x1b[2", "Kdone\n"}, "done\n"},
		{"osc split", []string{"\x1b]0;ti", "tle\aOK\n"}, "OK\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewBuffer(0)
			s := New(buf)
			for _, c := range tt.chunks {
				s.Append(c)
			}
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

func TestSinkFlush(t *testing.T) {
	buf := NewBuffer(0)
	s := New(buf)

	s.Append("done\r")
	assert.Equal(t, "done", buf.String())
	s.Flush()
	assert.Equal(t, "done\n", buf.String())

	s.Append("\x1b[")
	s.Flush()
	assert.Equal(t, "done\n", buf.String(), "A dangling escape prefix is stripped on flush")
}

func TestSinkReset(t *testing.T) {
	buf := NewBuffer(0)
	s := New(buf)
	s.Append("old output\n")
	s.Append("pending\x1b[3")
	s.Reset()
	assert.Empty(t, buf.String())

	s.Append("1mnew\n")
	assert.Equal(t, "1mnew\n", buf.String(), "Held back bytes are dropped by Reset")
}

func TestSinkDispatcher(t *testing.T) {
	var queued []func()
	buf := NewBuffer(0)
	s := New(buf, WithDispatcher(func(fn func()) { queued = append(queued, fn) }))

	s.Append("a\n")
	s.Append("b\n")
	assert.Empty(t, buf.String(), "Nothing touches the display outside the dispatcher")
	require.Len(t, queued, 2)

	for _, fn := range queued {
		fn()
	}
	assert.Equal(t, "a\nb\n", buf.String())
}

func TestSinkConcurrentAppendKeepsPerWriterOrder(t *testing.T) {
	buf := NewBuffer(0)
	s := New(buf)

	var wg sync.WaitGroup
	for _, prefix := range []string{"out", "err"} {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(prefix + "\n")
			}
		}(prefix)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 200)
}

func TestBufferCap(t *testing.T) {
	t.Run("DropsWholeLinesFromFront", func(t *testing.T) {
		b := NewBuffer(12)
		b.Append("first\n")
		b.Append("second\n")
		assert.Equal(t, "second\n", b.String())
		assert.Equal(t, 6, b.Dropped())

		b.Append("third\n")
		assert.Equal(t, "third\n", b.String())
		assert.LessOrEqual(t, len(b.String()), 12)
	})

	t.Run("LongLineKeepsTail", func(t *testing.T) {
		b := NewBuffer(4)
		b.Append("abcdefgh")
		assert.Equal(t, "efgh", b.String())
	})

	t.Run("LongTerminatedLineKeepsTail", func(t *testing.T) {
		b := NewBuffer(5)
		b.Append("ab\ncdefgh\n")
		assert.Equal(t, "efgh\n", b.String())
		assert.Equal(t, 5, b.Dropped())
	})

	t.Run("RuneBoundary", func(t *testing.T) {
		b := NewBuffer(4)
		b.Append("aé€")
		assert.True(t, strings.HasSuffix("aé€", b.String()))
		assert.LessOrEqual(t, len(b.String()), 4)
	})

	t.Run("Uncapped", func(t *testing.T) {
		b := NewBuffer(0)
		b.Append(strings.Repeat("x", 10000))
		assert.Len(t, b.String(), 10000)
	})

	t.Run("ClearResets", func(t *testing.T) {
		b := NewBuffer(5)
		b.Append("abc\ndef\n")
		b.Clear()
		assert.Empty(t, b.String())
		assert.Zero(t, b.Dropped())
	})
}

func TestWriterDisplayAndTee(t *testing.T) {
	var out bytes.Buffer
	buf := NewBuffer(0)
	s := New(Tee{NewWriterDisplay(&out), buf})

	_, err := s.Write([]byte("\x1b[32mOK\x1b[0m\n"))
	require.NoError(t, err)
	s.Reset()

	assert.Equal(t, "OK\n", out.String(), "Clear writes nothing to a terminal")
	assert.Empty(t, buf.String())
}
