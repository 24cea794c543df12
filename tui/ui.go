// Package tui renders a live transcription session in the terminal.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"earshot/session"
)

type TranscriptMsg struct {
	Text string
}

type AdvisoryMsg struct {
	Message string
}

type StateMsg struct {
	From, To session.State
}

type FailureMsg struct {
	Err error
}

// Feed adapts a session sink to the UI event loop. Session callbacks
// never block: when the UI falls behind, transcripts and advisories are
// dropped, while lifecycle messages evict older events to get through.
// The session must always be able to tell the UI it closed.
type Feed struct {
	Events chan tea.Msg
}

func NewFeed() *Feed {
	return &Feed{Events: make(chan tea.Msg, 64)}
}

func (f *Feed) post(msg tea.Msg) {
	select {
	case f.Events <- msg:
	default:
	}
}

// postLifecycle delivers without blocking by making room. Sink methods
// are invoked sequentially, so the eviction loop always terminates.
func (f *Feed) postLifecycle(msg tea.Msg) {
	for {
		select {
		case f.Events <- msg:
			return
		default:
		}
		select {
		case <-f.Events:
		default:
		}
	}
}

func (f *Feed) Transcript(text string)            { f.post(TranscriptMsg{Text: text}) }
func (f *Feed) Advisory(message string)           { f.post(AdvisoryMsg{Message: message}) }
func (f *Feed) Transition(from, to session.State) { f.postLifecycle(StateMsg{From: from, To: to}) }
func (f *Feed) Failure(err error)                 { f.postLifecycle(FailureMsg{Err: err}) }

type model struct {
	viewport   viewport.Model
	language   string
	state      session.State
	lines      []string
	logEntries []string
	failure    error
	ready      bool
	showLog    bool
	events     chan tea.Msg
}

func initialModel(language string, events chan tea.Msg) model {
	return model{
		language: language,
		state:    session.Idle,
		events:   events,
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "tab":
			m.showLog = !m.showLog
			m.viewport.SetContent(m.contentView())
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.contentView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}

	case TranscriptMsg:
		m.lines = append(m.lines, msg.Text)
		m.logEntries = append(m.logEntries, fmt.Sprintf("TXT %q", msg.Text))
		m.viewport.SetContent(m.contentView())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForEvent(m.events))

	case AdvisoryMsg:
		m.logEntries = append(m.logEntries, fmt.Sprintf("ERR %s", msg.Message))
		m.viewport.SetContent(m.contentView())
		cmds = append(cmds, waitForEvent(m.events))

	case StateMsg:
		m.state = msg.To
		m.logEntries = append(m.logEntries, fmt.Sprintf("SES %s -> %s", msg.From, msg.To))
		if msg.To == session.Closed {
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.events))

	case FailureMsg:
		m.failure = msg.Err
		m.logEntries = append(m.logEntries, fmt.Sprintf("SES failed: %v", msg.Err))
		cmds = append(cmds, waitForEvent(m.events))
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m model) headerView() string {
	title := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFDF5")).
		Background(lipgloss.Color("#25A065")).
		Padding(0, 1).
		Render(fmt.Sprintf("Live Transcription (%s)", m.language))
	line := strings.Repeat(
		"─",
		max(0, m.viewport.Width-lipgloss.Width(title)),
	)
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line)
}

func (m model) footerView() string {
	status := m.state.String()
	if m.failure != nil {
		status = fmt.Sprintf("%s: %v", m.state, m.failure)
	}
	info := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFDF5")).
		Background(lipgloss.Color("#25A065")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s · q to quit · tab for log", status))
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m model) contentView() string {
	if m.showLog {
		return m.logView()
	}
	return m.transcriptView()
}

func (m model) transcriptView() string {
	var content strings.Builder
	for _, line := range m.lines {
		content.WriteString(line)
		content.WriteString("\n")
	}
	return content.String()
}

func (m model) logView() string {
	var content strings.Builder
	for _, entry := range m.logEntries {
		content.WriteString(entry)
		content.WriteString("\n")
	}
	return content.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Run drives the UI until the user quits or the session closes.
func Run(language string, feed *Feed) error {
	p := tea.NewProgram(
		initialModel(language, feed.Events),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	return err
}
