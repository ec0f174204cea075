// Package tui shows a test run in a full-screen terminal pane.
package tui

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stackvity/phpunitkit/internal/runner"
	"github.com/stackvity/phpunitkit/internal/sink"
)

// Job is a started run the viewer waits for.
type Job interface {
	Wait() runner.Result
}

// StartFunc starts a run that writes into display. It is called alongside
// the viewer; ctx is cancelled when the viewer exits.
type StartFunc func(ctx context.Context, display sink.Display) (Job, error)

// Run shows title and the output of the run started by start until the
// user quits. At most maxBytes of output are kept, 0 keeps everything. It
// returns the run's result, or ctx's error if the run was abandoned before
// it completed.
func Run(ctx context.Context, title string, maxBytes int, start StartFunc, opts ...tea.ProgramOption) (runner.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(newModel(title, maxBytes), opts...)
	display := &programDisplay{send: p.Send}

	go func() {
		job, err := start(ctx, display)
		if err != nil {
			p.Send(startFailedMsg{err: err})
			return
		}
		p.Send(doneMsg{result: job.Wait()})
	}()

	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return runner.Result{ExitCode: -1, Err: ctx.Err()}, ctx.Err()
		}
		return runner.Result{}, fmt.Errorf("viewer failed: %w", err)
	}

	m := final.(model)
	switch {
	case m.startErr != nil:
		return runner.Result{}, m.startErr
	case m.result == nil:
		return runner.Result{ExitCode: -1, Err: context.Canceled}, context.Canceled
	}
	return *m.result, nil
}

// programDisplay turns display mutations into program messages, so the
// viewport is only touched by the UI loop.
type programDisplay struct {
	send func(tea.Msg)
}

func (d *programDisplay) Append(text string) { d.send(appendMsg{text: text}) }
func (d *programDisplay) ScrollToEnd()       { d.send(scrollMsg{}) }
func (d *programDisplay) Clear()             { d.send(clearMsg{}) }

type (
	appendMsg      struct{ text string }
	scrollMsg      struct{}
	clearMsg       struct{}
	doneMsg        struct{ result runner.Result }
	startFailedMsg struct{ err error }
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	passedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
	headerStyle  = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("241"))
)

type model struct {
	title    string
	viewport viewport.Model
	content  *sink.Buffer
	result   *runner.Result
	startErr error
}

func newModel(title string, maxBytes int) model {
	return model{title: title, viewport: viewport.New(80, 20), content: sink.NewBuffer(maxBytes)}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-lipgloss.Height(m.header())-1, 1)

	case appendMsg:
		m.content.Append(msg.text)
		m.viewport.SetContent(m.content.String())
		return m, nil

	case scrollMsg:
		m.viewport.GotoBottom()
		return m, nil

	case clearMsg:
		m.content.Clear()
		m.viewport.SetContent("")
		m.viewport.GotoTop()
		return m, nil

	case doneMsg:
		res := msg.result
		m.result = &res
		return m, nil

	case startFailedMsg:
		m.startErr = msg.err
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) header() string {
	line := titleStyle.Render(m.title) + "  " + m.state()
	if n := m.content.Dropped(); n > 0 {
		line += "  " + helpStyle.Render(fmt.Sprintf("(%d earlier bytes dropped)", n))
	}
	return headerStyle.Render(line)
}

func (m model) state() string {
	switch {
	case m.result == nil:
		return runningStyle.Render("running")
	case m.result.Success():
		return passedStyle.Render("complete")
	case m.result.ExitCode < 0:
		return failedStyle.Render(fmt.Sprintf("failed: %v", m.result.Err))
	default:
		return failedStyle.Render(fmt.Sprintf("exit code %d", m.result.ExitCode))
	}
}

func (m model) View() string {
	return m.header() + "\n" + m.viewport.View() + "\n" + helpStyle.Render("↑/↓ scroll • q quit")
}
