// Package tui implements the terminal viewer behind `agentrun watch`.
package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type frameMsg Frame

type streamEndMsg struct {
	err error
}

type confirmResultMsg struct {
	step int
	err  error
}

type statusFrame struct {
	Status string `json:"status"`
	Steps  []struct {
		Step                 int  `json:"step"`
		ConfirmationRequired bool `json:"confirmation_required"`
	} `json:"steps"`
	MaxStep int `json:"max_step"`
}

type stepFrame struct {
	Step    int    `json:"step"`
	Result  string `json:"result"`
	MaxStep int    `json:"max_step"`
}

type errorFrame struct {
	Message string `json:"message"`
}

type model struct {
	client *Client
	ctx    context.Context
	taskID string
	frames <-chan Frame
	ended  <-chan error

	feed    *StepFeed
	status  string
	maxStep int
	current int
	pending int // step awaiting confirmation, 0 when none
	notice  string
	failure string
	done    bool
	height  int
}

func newModel(ctx context.Context, client *Client, taskID string, frames <-chan Frame, ended <-chan error) model {
	return model{
		client: client,
		ctx:    ctx,
		taskID: taskID,
		frames: frames,
		ended:  ended,
		feed:   NewStepFeed(0),
		status: "connecting",
	}
}

func (m model) Init() tea.Cmd {
	return waitForFrame(m.frames, m.ended)
}

// waitForFrame delivers the next stream frame, or the stream's end once the
// frame channel is drained and closed.
func waitForFrame(frames <-chan Frame, ended <-chan error) tea.Cmd {
	if frames == nil {
		return nil
	}
	return func() tea.Msg {
		f, ok := <-frames
		if !ok {
			return streamEndMsg{err: <-ended}
		}
		return frameMsg(f)
	}
}

func (m model) confirmCmd(step int) tea.Cmd {
	return func() tea.Msg {
		return confirmResultMsg{step: step, err: m.client.Confirm(m.ctx, m.taskID, step)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "y", "enter":
			if m.pending > 0 && m.client != nil {
				m.notice = fmt.Sprintf("confirming step %d...", m.pending)
				return m, m.confirmCmd(m.pending)
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil

	case confirmResultMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		} else {
			m.notice = fmt.Sprintf("step %d confirmed", msg.step)
			if m.pending == msg.step {
				m.pending = 0
			}
		}
		return m, nil

	case frameMsg:
		m.apply(Frame(msg))
		return m, waitForFrame(m.frames, m.ended)

	case streamEndMsg:
		m.done = true
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) && m.failure == "" {
			m.failure = msg.err.Error()
		}
		return m, nil
	}
	return m, nil
}

// apply folds one frame into the view state.
func (m *model) apply(f Frame) {
	switch f.Event {
	case "status":
		var s statusFrame
		if json.Unmarshal(f.Data, &s) != nil {
			return
		}
		m.status = s.Status
		m.maxStep = s.MaxStep
		m.pending = 0
		for i := len(s.Steps) - 1; i >= 0; i-- {
			if s.Steps[i].ConfirmationRequired {
				m.pending = s.Steps[i].Step
				break
			}
		}
	case "error":
		var e errorFrame
		_ = json.Unmarshal(f.Data, &e)
		m.failure = e.Message
		m.done = true
	case "complete":
		m.done = true
	default:
		var s stepFrame
		if json.Unmarshal(f.Data, &s) != nil {
			return
		}
		if s.MaxStep > 0 {
			m.maxStep = s.MaxStep
			m.current = s.Step
		}
		m.feed.Add(f.Event, s.Step, s.Result)
	}
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	warn := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var b strings.Builder
	b.WriteString(title.Render("agentrun task "+m.taskID) + "\n")
	progress := ""
	if m.maxStep > 0 {
		progress = fmt.Sprintf("  step %d/%d", m.current, m.maxStep)
	}
	b.WriteString(dim.Render("status: "+m.status+progress) + "\n\n")

	feedHeight := 0
	if m.height > 8 {
		feedHeight = m.height - 8
	}
	b.WriteString(m.feed.View(feedHeight))

	if m.pending > 0 && !m.done {
		b.WriteString("\n" + warn.Render(fmt.Sprintf("Step %d awaits confirmation. Press y to run it.", m.pending)) + "\n")
	}
	if m.failure != "" {
		b.WriteString("\n" + errS.Render("error: "+m.failure) + "\n")
	}
	if m.notice != "" {
		b.WriteString(dim.Render(m.notice) + "\n")
	}
	if m.done {
		b.WriteString("\n" + dim.Render("stream finished. Press q to quit.") + "\n")
	} else {
		b.WriteString("\n" + dim.Render("Press q to quit.") + "\n")
	}
	return b.String()
}

// WatchConfig configures Run.
type WatchConfig struct {
	Client *Client
	TaskID string
	Input  io.Reader
	Output io.Writer
}

// Run follows a task's stream in a full-screen viewer until the user quits
// or ctx ends.
func Run(ctx context.Context, cfg WatchConfig) error {
	defer bestEffortResetTTY()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan Frame, 64)
	ended := make(chan error, 1)
	go func() {
		err := cfg.Client.Stream(ctx, cfg.TaskID, func(f Frame) error {
			select {
			case frames <- f:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		ended <- err
		close(frames)
	}()

	opts := []tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}
	if cfg.Input != nil {
		opts = append(opts, tea.WithInput(cfg.Input))
	}
	if cfg.Output != nil {
		opts = append(opts, tea.WithOutput(cfg.Output))
	}
	p := tea.NewProgram(newModel(ctx, cfg.Client, cfg.TaskID, frames, ended), opts...)
	_, err := p.Run()
	if err != nil && (ctx.Err() != nil || errors.Is(err, tea.ErrProgramKilled)) {
		return nil
	}
	return err
}
