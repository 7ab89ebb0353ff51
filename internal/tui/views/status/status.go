package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/noton/realtime/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	Room      string
	Viewers   int
	Seq       uint64
	Width     int
}

// New creates a status bar model.
func New() Model {
	return Model{}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	room := m.Room
	if room == "" {
		room = theme.StyleDimmed.Render("no document")
	}
	counts := fmt.Sprintf("%s  %d viewing", room, m.Viewers)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + counts
	if m.Seq > 0 {
		content += sep + theme.StyleDimmed.Render(fmt.Sprintf("seq %d", m.Seq))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
