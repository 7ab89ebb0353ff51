// Package theme provides the Lip Gloss color palette and reusable styles
// for the presence TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
)

// Viewer colors, assigned by hashing the user id.
var viewerPalette = []lipgloss.Color{
	lipgloss.Color("#a855f7"),
	lipgloss.Color("#3b82f6"),
	lipgloss.Color("#06b6d4"),
	lipgloss.Color("#22c55e"),
	lipgloss.Color("#f59e0b"),
	lipgloss.Color("#ec4899"),
	lipgloss.Color("#10b981"),
	lipgloss.Color("#f97316"),
}

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// ViewerColor returns a stable color for a user id.
func ViewerColor(userID string) lipgloss.Color {
	if userID == "" {
		return ColorDefault
	}
	h := fnv.New32a()
	h.Write([]byte(userID))
	return viewerPalette[h.Sum32()%uint32(len(viewerPalette))]
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
		Foreground(ColorDanger)
)

// Glyphs for the viewer list.
const (
	GlyphSelf   = "●"
	GlyphViewer = "○"
)
