package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/noton/realtime/internal/tui/client"
	"github.com/noton/realtime/internal/tui/theme"
	"github.com/noton/realtime/internal/tui/views/status"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayHelp
	OverlaySwitch
)

const helpMarkdown = `# Presence viewer

Shows who is looking at a document right now. The list updates live as
people open, switch away from, or close the document.

| Key | Action |
|-----|--------|
| s | Switch to another document |
| l | Leave the current document |
| ? | Toggle this help |
| esc | Close an overlay |
| q | Quit |

Switching sends a join for the new document. Everyone in the old document
sees you leave, everyone in the new one sees you arrive.
`

// commandErrMsg reports a failed local command. It does not restart the
// read loop.
type commandErrMsg struct{ err error }

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	self    string
	room    string
	viewers []client.Viewer

	overlay Overlay
	input   textinput.Model
	help    string

	statusBar status.Model

	// Connection state.
	connected bool
	fatal     error
	lastErr   string
}

// New creates the root model. self is the caller's own user id, used to
// mark their row; it may be empty.
func New(ws *client.WSClient, self string) Model {
	ctx, cancel := context.WithCancel(context.Background())

	input := textinput.New()
	input.Placeholder = "document id"
	input.CharLimit = 256
	input.Prompt = "switch to › "

	help, err := glamour.Render(helpMarkdown, "dark")
	if err != nil {
		help = helpMarkdown
	}

	m := Model{
		ws:        ws,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		self:      self,
		input:     input,
		help:      help,
		statusBar: status.New(),
	}
	if ws != nil {
		m.room = ws.Room()
		m.statusBar.Room = m.room
	}
	return m
}

// Init starts the WebSocket connection.
func (m Model) Init() tea.Cmd {
	if m.ws == nil {
		return nil
	}
	return m.ws.Listen(m.ctx)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.lastErr = ""
		if m.ws != nil {
			m.setRoom(m.ws.Room())
		}
		return m, m.readCmd()

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		if msg.Fatal {
			m.fatal = msg.Err
			return m, nil
		}
		if m.ws == nil {
			return m, nil
		}
		return m, m.ws.Listen(m.ctx)

	case client.WSPresenceMsg:
		m.statusBar.Seq = msg.Seq
		if msg.Payload.ResourceID == m.room {
			m.viewers = msg.Payload.Viewers
			m.statusBar.Viewers = len(m.viewers)
		}
		return m, m.readCmd()

	case client.WSErrorMsg:
		m.lastErr = msg.Message
		return m, m.readCmd()

	case commandErrMsg:
		m.lastErr = msg.err.Error()
		return m, nil
	}

	if m.overlay == OverlaySwitch {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		m.cancel()
		return m, tea.Quit
	}

	switch m.overlay {
	case OverlaySwitch:
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
			m.input.Blur()
			return m, nil
		case key.Matches(msg, m.keys.Enter):
			target := strings.TrimSpace(m.input.Value())
			m.overlay = OverlayNone
			m.input.Blur()
			m.input.SetValue("")
			if target == "" || target == m.room {
				return m, nil
			}
			m.setRoom(target)
			return m, m.joinCmd(target)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case OverlayHelp:
		if key.Matches(msg, m.keys.Escape) || key.Matches(msg, m.keys.Help) {
			m.overlay = OverlayNone
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Switch):
		m.overlay = OverlaySwitch
		m.input.SetValue("")
		return m, m.input.Focus()

	case key.Matches(msg, m.keys.Leave):
		if m.room == "" {
			return m, nil
		}
		m.setRoom("")
		return m, m.leaveCmd()

	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
		return m, nil
	}

	return m, nil
}

func (m *Model) setRoom(room string) {
	if room != m.room {
		m.viewers = nil
		m.statusBar.Viewers = 0
	}
	m.room = room
	m.statusBar.Room = room
}

func (m Model) readCmd() tea.Cmd {
	if m.ws == nil {
		return nil
	}
	return m.ws.ReadLoop(m.ctx)
}

func (m Model) joinCmd(room string) tea.Cmd {
	ws := m.ws
	return func() tea.Msg {
		if ws == nil {
			return nil
		}
		if err := ws.Join(room); err != nil {
			return commandErrMsg{err: fmt.Errorf("join %s: %w", room, err)}
		}
		return nil
	}
}

func (m Model) leaveCmd() tea.Cmd {
	ws := m.ws
	return func() tea.Msg {
		if ws == nil {
			return nil
		}
		if err := ws.Leave(); err != nil {
			return commandErrMsg{err: fmt.Errorf("leave: %w", err)}
		}
		return nil
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.fatal != nil {
		return m.renderBox(
			theme.StyleError.Bold(true).Render("CONNECTION FAILED"),
			m.fatal.Error(),
			theme.StyleDimmed.Render("q to quit"),
		)
	}
	if !m.connected {
		return m.renderBox(
			theme.StyleError.Bold(true).Render("DISCONNECTED"),
			theme.StyleDimmed.Render("Reconnecting..."),
		)
	}

	var body string
	switch m.overlay {
	case OverlayHelp:
		body = m.help
	default:
		body = m.renderViewers()
	}

	sections := []string{m.statusBar.View(), body}
	if m.overlay == OverlaySwitch {
		sections = append(sections, m.input.View())
	}
	if m.lastErr != "" {
		sections = append(sections, theme.StyleError.Render("  "+m.lastErr))
	}
	sections = append(sections, theme.StyleDimmed.Render("  s:switch  l:leave  ?:help  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderViewers() string {
	if m.room == "" {
		return theme.StyleDimmed.Render("  Not viewing a document. Press s to pick one.")
	}

	lines := []string{theme.StyleHeader.Render(fmt.Sprintf("=== VIEWERS · %s ===", m.room))}
	if len(m.viewers) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  waiting for presence..."))
	}
	for _, v := range m.viewers {
		lines = append(lines, m.renderViewerLine(v))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderViewerLine(v client.Viewer) string {
	glyph := theme.GlyphViewer
	if m.self != "" && v.UserID == m.self {
		glyph = theme.GlyphSelf
	}
	name := lipgloss.NewStyle().Foreground(theme.ViewerColor(v.UserID)).Render(displayName(v, 32))
	return "  " + glyph + " " + name + "  " + theme.StyleDimmed.Render(v.UserID)
}

// displayName prefers the email and truncates to maxLen characters.
func displayName(v client.Viewer, maxLen int) string {
	name := v.Email
	if name == "" {
		name = v.UserID
	}
	if len(name) > maxLen {
		name = name[:maxLen-1] + "..."
	}
	return name
}

func (m Model) renderBox(lines ...string) string {
	box := theme.StyleBorder.
		Padding(1, 4).
		Render(lipgloss.JoinVertical(lipgloss.Center, lines...))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}
