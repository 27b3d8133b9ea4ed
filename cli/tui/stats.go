package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Counts is a labeled set of counters, such as history records by event
// type.
type Counts struct {
	Title string
	Total int64
	ByKey map[string]int64
}

// StatsModel is a Bubble Tea model for counter views.
type StatsModel struct {
	data     Counts
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(data Counts) StatsModel {
	return StatsModel{data: data}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(m.data.Title))
	b.WriteString("\n\n")

	names := make([]string, 0, len(m.data.ByKey))
	for k := range m.data.ByKey {
		names = append(names, k)
	}
	slices.Sort(names)

	boxes := []string{m.renderStatBox("total", m.data.Total, accent)}
	for _, name := range names {
		boxes = append(boxes, m.renderStatBox(name, m.data.ByKey[name], info))
	}
	// Four boxes per row.
	for len(boxes) > 0 {
		n := min(4, len(boxes))
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes[:n]...))
		b.WriteString("\n")
		boxes = boxes[n:]
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return b.String() + help
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	valueStyle := StatValueStyle.Foreground(color)
	content := lipgloss.JoinVertical(lipgloss.Center,
		valueStyle.Render(fmt.Sprintf("%d", value)),
		StatLabelStyle.Render(label),
	)
	return StatBoxStyle.Render(content)
}

// RunStatsTUI runs the stats view. data must be Counts.
func RunStatsTUI(data any) error {
	counts, ok := data.(Counts)
	if !ok {
		return fmt.Errorf("history view needs tui.Counts, got %T", data)
	}
	p := tea.NewProgram(NewStatsModel(counts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders counters without a full TUI.
func RenderStatsStatic(data Counts) string {
	model := NewStatsModel(data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
