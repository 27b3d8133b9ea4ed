// Package tui provides Bubble Tea views for the refinewatch CLI.
//
//   - TUI is opt-in only (--tui flag)
//   - static views (status, history) render the same payloads as --format
//   - the live progress view follows a session through tracker feeds
package tui

import "github.com/charmbracelet/lipgloss"

var (
	accent = lipgloss.Color("#7C3AED")
	info   = lipgloss.Color("#3B82F6")
	muted  = lipgloss.Color("#6B7280")
	plain  = lipgloss.Color("#FFFFFF")
)

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).MarginBottom(1)
	LabelStyle = lipgloss.NewStyle().Foreground(muted).Width(16)
	ValueStyle = lipgloss.NewStyle().Foreground(plain)
	HelpStyle  = lipgloss.NewStyle().Foreground(muted).MarginTop(1)
	BarStyle   = lipgloss.NewStyle().Foreground(info)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(1, 2)

	// Stat boxes of the history --stats view.
	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(info).
			Padding(0, 2).
			Width(20).
			Align(lipgloss.Center)
	StatLabelStyle = lipgloss.NewStyle().Foreground(muted).Align(lipgloss.Center)
	StatValueStyle = lipgloss.NewStyle().Bold(true).Foreground(plain).Align(lipgloss.Center)
)

// statusColors colors job statuses and session outcomes. Anything not
// listed renders as a plain value.
var statusColors = map[string]lipgloss.Color{
	"completed":         "#10B981",
	"running":           "#F59E0B",
	"pending":           "#F59E0B",
	"assumed_complete":  "#F59E0B",
	"errored":           "#EF4444",
	"error":             "#EF4444",
	"abandoned":         "#EF4444",
	"job_error":         "#EF4444",
	"transport_failure": "#EF4444",
	"policy_failure":    "#EF4444",
	"canceled":          "#EF4444",
}

// StateStyle returns the style for a job status or session outcome.
func StateStyle(state string) lipgloss.Style {
	if c, ok := statusColors[state]; ok {
		return lipgloss.NewStyle().Foreground(c)
	}
	return ValueStyle
}
