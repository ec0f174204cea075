package tui

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/phpunitkit/internal/runner"
	"github.com/stackvity/phpunitkit/internal/sink"
)

func update(t *testing.T, m model, msgs ...tea.Msg) model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(model)
	}
	return m
}

func TestModelAppendScrollsToEnd(t *testing.T) {
	m := update(t, newModel("phpunit", 0), tea.WindowSizeMsg{Width: 40, Height: 8})

	var lines []tea.Msg
	for i := 0; i < 50; i++ {
		lines = append(lines, appendMsg{text: "line\n"}, scrollMsg{})
	}
	m = update(t, m, lines...)

	assert.Equal(t, 50, strings.Count(m.content.String(), "line\n"))
	assert.True(t, m.viewport.AtBottom())
	assert.Contains(t, m.View(), "running")

	m = update(t, m, clearMsg{})
	assert.Empty(t, m.content.String())
	assert.Equal(t, 0, m.viewport.YOffset)
}

func TestModelCapsOutput(t *testing.T) {
	m := newModel("phpunit", 10)
	assert.NotContains(t, m.header(), "dropped")
	m = update(t, m, appendMsg{text: "first\n"}, appendMsg{text: "second\n"})
	assert.Equal(t, "second\n", m.content.String())
	assert.Contains(t, m.header(), "(6 earlier bytes dropped)")
}

func TestModelState(t *testing.T) {
	tests := []struct {
		name     string
		result   runner.Result
		expected string
	}{
		{"Complete", runner.Result{}, "complete"},
		{"ExitCode", runner.Result{ExitCode: 2, Err: errors.New("exit status 2")}, "exit code 2"},
		{"LaunchFailure", runner.Result{ExitCode: -1, Err: errors.New("no such file")}, "failed: no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := update(t, newModel("phpunit -c phpunit.xml", 0), doneMsg{result: tt.result})
			assert.Contains(t, m.header(), "phpunit -c phpunit.xml")
			assert.Contains(t, m.header(), tt.expected)
		})
	}
}

func TestModelQuitKeys(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := newModel("x", 0).Update(key)
		require.NotNil(t, cmd, key.String())
		assert.IsType(t, tea.QuitMsg{}, cmd(), key.String())
	}
}

type finishedJob struct{ result runner.Result }

func (j finishedJob) Wait() runner.Result { return j.result }

func headless() []tea.ProgramOption {
	return []tea.ProgramOption{tea.WithInput(nil), tea.WithOutput(io.Discard)}
}

func TestRunStartFailure(t *testing.T) {
	boom := errors.New("no test file")
	_, err := Run(context.Background(), "phpunit", 0, func(context.Context, sink.Display) (Job, error) {
		return nil, boom
	}, headless()...)
	assert.ErrorIs(t, err, boom)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	go func() {
		<-started
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, "phpunit", 0, func(ctx context.Context, d sink.Display) (Job, error) {
			s := sink.New(d)
			s.Append("PHPUnit 10.5\n")
			close(started)
			<-ctx.Done()
			return finishedJob{runner.Result{ExitCode: -1, Err: ctx.Err()}}, nil
		}, headless()...)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
