package main

import "github.com/charmbracelet/lipgloss"

var (
	accent  = lipgloss.Color("#FF6B35")
	success = lipgloss.Color("#4CAF50")
	warning = lipgloss.Color("#FFB74D")
	danger  = lipgloss.Color("#F44336")
	muted   = lipgloss.Color("#90A4AE")
	text    = lipgloss.Color("#E0E0E0")
	border  = lipgloss.Color("#30363D")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Bold(true).
			Padding(0, 1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(border).
			Foreground(text).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Foreground(accent).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(muted).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(text).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(danger).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(muted)
)

// occupancyColor goes amber at half full and red near capacity.
func occupancyColor(ratio float64) lipgloss.Color {
	switch {
	case ratio >= 0.9:
		return danger
	case ratio >= 0.5:
		return warning
	default:
		return success
	}
}
