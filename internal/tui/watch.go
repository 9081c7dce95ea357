// Package tui renders a live mission event stream in the terminal. The watch
// view follows a mission's canonical events as they arrive: deltas stream as
// dim text, assistant messages render as markdown, and the terminal event
// closes the session with a status banner.
package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/sandboxed-sh/helmsman/internal/events"
)

const (
	headerHeight = 2
	footerHeight = 1

	maxToolOutputChars = 400
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusRunning  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	statusOK       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	statusFailed   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	statusCancel   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	deltaStyle     = lipgloss.NewStyle().Faint(true)
	toolCallStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	toolErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	adapterErStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	footerStyle    = lipgloss.NewStyle().Faint(true)
)

// EventStream is the subscription surface the watch view consumes.
type EventStream interface {
	Events() <-chan events.Event
	Err() error
	Close()
}

type eventMsg struct {
	event events.Event
}

type streamClosedMsg struct {
	err error
}

// WatchModel is the bubbletea model for `helmsman watch`.
type WatchModel struct {
	missionID string
	stream    EventStream
	viewport  viewport.Model
	renderer  *glamour.TermRenderer

	lines    []string
	terminal *events.TerminalPayload
	closed   bool
	lagged   error
	ready    bool
	width    int
	height   int
}

// NewWatch builds a watch model following the given mission's stream.
func NewWatch(missionID string, stream EventStream) WatchModel {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		renderer = nil
	}
	return WatchModel{
		missionID: missionID,
		stream:    stream,
		renderer:  renderer,
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return waitForEvent(m.stream)
}

func waitForEvent(stream EventStream) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-stream.Events()
		if !ok {
			return streamClosedMsg{err: stream.Err()}
		}
		return eventMsg{event: event}
	}
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.stream.Close()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		content := msg.Height - headerHeight - footerHeight
		if content < 1 {
			content = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, content)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = content
		}
		m.refreshContent()
		return m, nil

	case eventMsg:
		m.appendEvent(msg.event)
		m.refreshContent()
		return m, waitForEvent(m.stream)

	case streamClosedMsg:
		m.closed = true
		m.lagged = msg.err
		m.refreshContent()
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *WatchModel) appendEvent(event events.Event) {
	if terminal, ok := events.TerminalPayloadOf(event); ok {
		m.terminal = &terminal
	}
	for _, line := range m.renderEvent(event) {
		m.lines = append(m.lines, line)
	}
}

func (m *WatchModel) refreshContent() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// renderEvent formats one canonical event into display lines. Payloads
// arrive as values from live subscriptions and as pointers after decoding
// from the wire, so both shapes are handled.
func (m *WatchModel) renderEvent(event events.Event) []string {
	switch payload := event.Payload.(type) {
	case events.InitPayload:
		return m.renderEvent(withPayload(event, &payload))
	case events.DeltaPayload:
		return m.renderEvent(withPayload(event, &payload))
	case events.MessagePayload:
		return m.renderEvent(withPayload(event, &payload))
	case events.ToolCallPayload:
		return m.renderEvent(withPayload(event, &payload))
	case events.ToolResultPayload:
		return m.renderEvent(withPayload(event, &payload))
	case events.TerminalPayload:
		return m.renderEvent(withPayload(event, &payload))
	case events.AdapterErrorPayload:
		return m.renderEvent(withPayload(event, &payload))
	case *events.InitPayload:
		return []string{headerStyle.Render(fmt.Sprintf("session %s started (%s)", payload.SessionID, payload.Backend))}
	case *events.DeltaPayload:
		if strings.TrimSpace(payload.Text) == "" {
			return nil
		}
		return []string{deltaStyle.Render(payload.Text)}
	case *events.MessagePayload:
		return m.renderMessage(payload)
	case *events.ToolCallPayload:
		return []string{toolCallStyle.Render("▸ " + payload.Name + " " + compactJSON(payload.Input))}
	case *events.ToolResultPayload:
		style := lipgloss.NewStyle()
		if payload.IsError {
			style = toolErrStyle
		}
		return []string{style.Render("  " + truncate(payload.Content, maxToolOutputChars))}
	case *events.TerminalPayload:
		return []string{m.renderTerminalLine(payload)}
	case *events.AdapterErrorPayload:
		return []string{adapterErStyle.Render("adapter error: " + payload.Message)}
	default:
		return nil
	}
}

func withPayload(event events.Event, payload any) events.Event {
	event.Payload = payload
	return event
}

func (m *WatchModel) renderMessage(payload *events.MessagePayload) []string {
	text := payload.Text
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(text); err == nil {
			text = strings.TrimRight(rendered, "\n")
		}
	}
	return strings.Split(text, "\n")
}

func (m *WatchModel) renderTerminalLine(payload *events.TerminalPayload) string {
	label := strings.ToUpper(string(payload.Status))
	line := m.statusStyle().Render(label)
	if payload.Detail != "" {
		line += " " + payload.Detail
	}
	if payload.CostUSD > 0 || payload.NumTurns > 0 {
		line += footerStyle.Render(fmt.Sprintf("  ($%.4f, %d turns)", payload.CostUSD, payload.NumTurns))
	}
	return line
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if !m.ready {
		return "loading mission stream..."
	}

	header := headerStyle.Render("mission "+m.missionID) + "  " + m.statusBadge()
	footer := footerStyle.Render("q: quit  ↑/↓: scroll")
	if m.lagged != nil {
		footer = adapterErStyle.Render("stream dropped: "+m.lagged.Error()) + "  " + footer
	}

	return header + "\n\n" + m.viewport.View() + "\n" + footer
}

func (m WatchModel) statusBadge() string {
	return m.statusStyle().Render(m.statusLabel())
}

func (m WatchModel) statusLabel() string {
	if m.terminal != nil {
		return string(m.terminal.Status)
	}
	if m.closed {
		return "disconnected"
	}
	return "running"
}

func (m WatchModel) statusStyle() lipgloss.Style {
	if m.terminal == nil {
		return statusRunning
	}
	switch m.terminal.Status {
	case events.TerminalCompleted:
		return statusOK
	case events.TerminalCancelled:
		return statusCancel
	default:
		return statusFailed
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return truncate(string(raw), 120)
	}
	return truncate(buf.String(), 120)
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "…"
}
