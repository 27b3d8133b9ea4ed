package tui

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/types"
)

// JobModel is a Bubble Tea model showing one job's tracked state.
type JobModel struct {
	state    tracker.State
	width    int
	height   int
	quitting bool
}

// NewJobModel creates a job model.
func NewJobModel(state tracker.State) JobModel {
	return JobModel{state: state}
}

// Init implements tea.Model.
func (m JobModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m JobModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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
func (m JobModel) View() string {
	if m.quitting {
		return ""
	}
	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return BoxStyle.Render(renderJob(m.state)) + "\n" + help
}

// renderJob renders the job summary and pass table shared by the static
// and live views.
func renderJob(s tracker.State) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Job"))
	b.WriteString("\n\n")

	if s.Job == nil {
		b.WriteString(ValueStyle.Render("waiting for the job to be announced"))
		return b.String()
	}
	job := s.Job

	status := string(job.Status)
	if job.Reason == types.ReasonAssumedComplete {
		status = string(types.ReasonAssumedComplete)
	}
	rows := [][2]string{
		{"Job ID", job.ID},
		{"Status", status},
		{"Passes", fmt.Sprintf("%d / %d", s.CompletedPasses(), s.TargetPasses())},
		{"Tokens", fmt.Sprintf("%d", s.Usage.Tokens)},
		{"Cost", fmt.Sprintf("%.4f", s.Usage.Cost)},
	}
	if job.FileID != "" {
		rows = slices.Insert(rows, 1, [2]string{"File ID", job.FileID})
	}
	if job.TruncatedAt > 0 {
		rows = append(rows, [2]string{"Stopped Early", fmt.Sprintf("after pass %d", job.TruncatedAt)})
	}
	if job.Error != "" {
		rows = append(rows, [2]string{"Error", job.Error})
	}

	for _, row := range rows {
		label := LabelStyle.Render(row[0] + ":")
		value := ValueStyle.Render(row[1])
		if row[0] == "Status" {
			value = StateStyle(row[1]).Render(row[1])
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label, value))
	}

	if nums := s.PassNumbers(); len(nums) > 0 {
		b.WriteString("\n")
		for _, n := range nums {
			p := s.Passes[n]
			line := fmt.Sprintf("  pass %-3d %s", n, StateStyle(string(p.Status)).Render(string(p.Status)))
			if p.CurrentStage != "" && p.Status == types.PassRunning {
				line += "  " + HelpStyle.UnsetMarginTop().Render(string(p.CurrentStage))
			}
			if p.OutputChars > 0 {
				line += fmt.Sprintf("  %d chars", p.OutputChars)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunJobTUI runs the job view. data must be a tracker.State.
func RunJobTUI(data any) error {
	state, ok := data.(tracker.State)
	if !ok {
		return fmt.Errorf("job view needs tracker.State, got %T", data)
	}
	p := tea.NewProgram(NewJobModel(state), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderJobStatic renders the job view without a full TUI.
func RenderJobStatic(state tracker.State) string {
	model := NewJobModel(state)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
